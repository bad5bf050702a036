package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"testing"
)

func gradientImage(w, h int, alpha bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if alpha {
				a = uint8((x * 255) / w)
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: a,
			})
		}
	}
	return img
}

func buildTestPNG(t testing.TB, w, h int, alpha bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, gradientImage(w, h, alpha)); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradientImage(w, h, false), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

// declaredSizePNG returns a valid 1x1 PNG whose header claims w x h, so only
// decoders that trust the header before allocating are affected.
func declaredSizePNG(t testing.TB, w, h uint32) []byte {
	t.Helper()

	data := buildTestPNG(t, 1, 1, false)
	// IHDR: length at 8, type at 12, width at 16, height at 20, CRC at 29.
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

var errObjectMissing = errors.New("object not found")

type storedObject struct {
	data        []byte
	contentType string
}

// fakeStorage is an in-memory Source and Destination that counts calls.
type fakeStorage struct {
	mu         sync.Mutex
	containers map[string]bool
	objects    map[string]storedObject
	nilBody    bool
	openErr    error
	readErr    error
	ensureErr  error
	writeErr   error
	opens      int
	ensures    int
	creates    int
	writes     int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		containers: make(map[string]bool),
		objects:    make(map[string]storedObject),
	}
}

func (s *fakeStorage) put(container, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[container] = true
	s.objects[container+"/"+name] = storedObject{data: data}
}

func (s *fakeStorage) get(container, name string) (storedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[container+"/"+name]
	return obj, ok
}

func (s *fakeStorage) calls() (opens, ensures, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.ensures, s.writes
}

func (s *fakeStorage) OpenObject(_ context.Context, container, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++

	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.nilBody {
		return nil, nil
	}
	if s.readErr != nil {
		return io.NopCloser(&failingReader{data: []byte("partial"), err: s.readErr}), nil
	}
	obj, ok := s.objects[container+"/"+name]
	if !ok {
		return nil, errObjectMissing
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *fakeStorage) EnsureContainer(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++

	if s.ensureErr != nil {
		return s.ensureErr
	}
	if !s.containers[container] {
		s.containers[container] = true
		s.creates++
	}
	return nil
}

func (s *fakeStorage) WriteObject(_ context.Context, container, name string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++

	if s.writeErr != nil {
		return s.writeErr
	}
	s.objects[container+"/"+name] = storedObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

type failingReader struct {
	data []byte
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}
