package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/dunamismax/greyflow/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSourceContainer      = "in"
	testDestinationContainer = "out"
)

func newTestProcessor(t *testing.T, store *fakeStorage, opts ...Option) *Processor {
	t.Helper()

	opts = append([]Option{WithCodec(stdlibCodec{})}, opts...)
	p, err := NewProcessor(Settings{
		SourceContainer:      testSourceContainer,
		DestinationContainer: testDestinationContainer,
	}, store, store, opts...)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func blobURL(name string) string {
	return "https://acct.blob.core.windows.net/" + testSourceContainer + "/" + name
}

func TestProcessorEndToEndSamplePNG(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "sample.png", buildTestPNG(t, 100, 50, false))

	p := newTestProcessor(t, store)
	out := p.Run(context.Background(), domain.Notification{SourceURL: blobURL("sample.png")})
	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Error())
	}
	if out.Output != "processed-sample.png" {
		t.Fatalf("expected output processed-sample.png, got %s", out.Output)
	}
	if out.Stage != StageDone {
		t.Fatalf("expected stage done, got %s", out.Stage)
	}

	written, ok := store.get(testDestinationContainer, "processed-sample.png")
	if !ok {
		t.Fatal("expected output object in destination container")
	}
	if written.contentType != MIMEJPEG {
		t.Fatalf("expected content type image/jpeg, got %s", written.contentType)
	}

	decoded, format, err := image.Decode(bytes.NewReader(written.data))
	if err != nil {
		t.Fatalf("decode published object: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg bytes, got %s", format)
	}
	if b := decoded.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
	for y := 0; y < 50; y++ {
		for x := 0; x < 100; x++ {
			r, g, b, _ := decoded.At(x, y).RGBA()
			if r != g || g != b {
				t.Fatalf("pixel (%d,%d) not achromatic: r=%d g=%d b=%d", x, y, r, g, b)
			}
		}
	}
}

func TestProcessorMissingURLMakesNoStorageCalls(t *testing.T) {
	cases := map[string]struct {
		url  string
		want error
	}{
		"missing url":  {url: "", want: domain.ErrMissingURL},
		"missing name": {url: "https://acct.blob.core.windows.net/in/", want: domain.ErrMissingObjectName},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := newFakeStorage()
			p := newTestProcessor(t, store)

			out := p.Run(context.Background(), domain.Notification{SourceURL: tc.url})
			if out.Succeeded() {
				t.Fatal("expected failure")
			}
			if !IsKind(out.Error(), KindInput) {
				t.Fatalf("expected input error, got %v", out.Error())
			}
			if !errors.Is(out.Error(), tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, out.Error())
			}
			if opens, ensures, writes := store.calls(); opens+ensures+writes != 0 {
				t.Fatalf("expected zero storage calls, got opens=%d ensures=%d writes=%d", opens, ensures, writes)
			}
		})
	}
}

func TestProcessorEmptyBodyFailsDecodeWithoutPublish(t *testing.T) {
	store := newFakeStorage()
	store.nilBody = true
	p := newTestProcessor(t, store)

	out := p.Run(context.Background(), domain.Notification{SourceURL: blobURL("empty.png")})
	if !IsKind(out.Error(), KindDecode) {
		t.Fatalf("expected decode error, got %v", out.Error())
	}
	if out.Stage != StageDecode {
		t.Fatalf("expected failure at decode, got %s", out.Stage)
	}
	if _, ensures, writes := store.calls(); ensures != 0 || writes != 0 {
		t.Fatalf("expected no publish attempt, got ensures=%d writes=%d", ensures, writes)
	}
}

func TestProcessorSourceReadFailures(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		store := newFakeStorage()
		store.openErr = errors.New("403 AuthorizationFailure")
		out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("cat.png")})
		if !IsKind(out.Error(), KindSourceRead) || out.Stage != StageFetch {
			t.Fatalf("expected source_read at fetch, got stage=%s err=%v", out.Stage, out.Error())
		}
	})

	t.Run("not found", func(t *testing.T) {
		store := newFakeStorage()
		out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("missing.png")})
		if !errors.Is(out.Error(), errObjectMissing) {
			t.Fatalf("expected underlying cause to be kept, got %v", out.Error())
		}
	})

	t.Run("collect", func(t *testing.T) {
		store := newFakeStorage()
		store.readErr = errors.New("connection reset by peer")
		out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("cat.png")})
		if !IsKind(out.Error(), KindSourceRead) || out.Stage != StageCollect {
			t.Fatalf("expected source_read at collect, got stage=%s err=%v", out.Stage, out.Error())
		}
		if _, _, writes := store.calls(); writes != 0 {
			t.Fatalf("expected no writes, got %d", writes)
		}
	})
}

func TestProcessorPublishFailures(t *testing.T) {
	for name, configure := range map[string]func(*fakeStorage){
		"ensure container": func(s *fakeStorage) { s.ensureErr = errors.New("container being deleted") },
		"write object":     func(s *fakeStorage) { s.writeErr = errors.New("503 ServerBusy") },
	} {
		t.Run(name, func(t *testing.T) {
			store := newFakeStorage()
			store.put(testSourceContainer, "cat.png", buildTestPNG(t, 12, 12, false))
			configure(store)

			out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("cat.png")})
			if !IsKind(out.Error(), KindPublish) {
				t.Fatalf("expected publish error, got %v", out.Error())
			}
		})
	}
}

type failingEncodeCodec struct {
	stdlibCodec
}

func (failingEncodeCodec) Encode(context.Context, *Image, EncodeOptions) ([]byte, error) {
	return nil, errors.New("out of memory")
}

func TestProcessorEncodeFailure(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "cat.png", buildTestPNG(t, 12, 12, false))

	out := newTestProcessor(t, store, WithCodec(failingEncodeCodec{})).Run(
		context.Background(),
		domain.Notification{SourceURL: blobURL("cat.png")},
	)
	if !IsKind(out.Error(), KindEncode) {
		t.Fatalf("expected encode error, got %v", out.Error())
	}
	if _, ensures, _ := store.calls(); ensures != 0 {
		t.Fatalf("expected no publish attempt, got %d ensure calls", ensures)
	}
}

func TestNewProcessorValidatesSettings(t *testing.T) {
	store := newFakeStorage()

	if _, err := NewProcessor(Settings{DestinationContainer: "out"}, store, store); err == nil {
		t.Fatal("expected error for missing source container")
	}
	if _, err := NewProcessor(Settings{SourceContainer: "in"}, store, store); err == nil {
		t.Fatal("expected error for missing destination container")
	}
	if _, err := NewProcessor(Settings{SourceContainer: "in", DestinationContainer: "out", OutputFormat: "image/webp"}, store, store); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := NewProcessor(Settings{SourceContainer: "in", DestinationContainer: "out"}, nil, store); err == nil {
		t.Fatal("expected error for nil source")
	}

	p, err := NewProcessor(Settings{SourceContainer: "in", DestinationContainer: "out", OutputFormat: "png"}, store, store)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if got := p.Settings(); got.OutputPrefix != "processed-" || got.OutputFormat != MIMEPNG || got.JPEGQuality != DefaultJPEGQuality {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestProcessorPNGOutputKeepsAlpha(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "logo.png", buildTestPNG(t, 40, 20, true))

	p, err := NewProcessor(Settings{
		SourceContainer:      testSourceContainer,
		DestinationContainer: testDestinationContainer,
		OutputFormat:         MIMEPNG,
	}, store, store, WithCodec(stdlibCodec{}))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	out := p.Run(context.Background(), domain.Notification{SourceURL: blobURL("logo.png")})
	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Error())
	}

	written, _ := store.get(testDestinationContainer, "processed-logo.png")
	img, err := stdlibCodec{}.Decode(context.Background(), written.data, DecodeOptions{})
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !img.HasAlpha() {
		t.Fatal("expected png output to keep alpha")
	}
}

func TestProcessorOverwritesExistingOutput(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "cat.png", buildTestPNG(t, 16, 16, false))
	store.put(testDestinationContainer, "processed-cat.png", []byte("stale"))

	out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("cat.png")})
	if !out.Succeeded() {
		t.Fatalf("expected success, got %v", out.Error())
	}
	written, _ := store.get(testDestinationContainer, "processed-cat.png")
	if string(written.data) == "stale" {
		t.Fatal("expected existing output to be overwritten")
	}
}

func TestProcessorConcurrentRunsShareDestinationContainer(t *testing.T) {
	const runs = 16

	store := newFakeStorage()
	for i := 0; i < runs; i++ {
		store.put(testSourceContainer, fmt.Sprintf("img-%d.png", i), buildTestPNG(t, 24, 12, false))
	}
	p := newTestProcessor(t, store)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.Run(context.Background(), domain.Notification{SourceURL: blobURL(fmt.Sprintf("img-%d.png", i))})
		}(i)
	}
	wg.Wait()

	for i, out := range outcomes {
		if !out.Succeeded() {
			t.Fatalf("run %d failed: %v", i, out.Error())
		}
	}
	if store.creates != 1 {
		t.Fatalf("expected destination container to be created once, got %d", store.creates)
	}
	if _, ensures, writes := store.calls(); ensures != runs || writes != runs {
		t.Fatalf("expected %d ensures and writes, got ensures=%d writes=%d", runs, ensures, writes)
	}
}

func TestProcessorLogsOneErrorLineOnFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := newFakeStorage()
	p := newTestProcessor(t, store, WithLogger(zap.New(core)), WithRunIDs(func() string { return "run-1" }))

	out := p.Run(context.Background(), domain.Notification{ID: "evt-9", SourceURL: ""})
	if out.RunID != "run-1" {
		t.Fatalf("expected run id run-1, got %s", out.RunID)
	}

	failed := logs.FilterMessage("run failed")
	if failed.Len() != 1 {
		t.Fatalf("expected one failure line, got %d", failed.Len())
	}
	fields := failed.All()[0].ContextMap()
	if fields["kind"] != string(KindInput) || fields["run_id"] != "run-1" || fields["notification_id"] != "evt-9" {
		t.Fatalf("unexpected failure fields: %v", fields)
	}
	if logs.FilterMessage("run completed").Len() != 0 {
		t.Fatal("did not expect a completion line")
	}
}

func TestProcessorRejectsOversizedRasterAsDecodeError(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "bomb.png", declaredSizePNG(t, 60000, 60000))
	store.put(testSourceContainer, "wide.png", buildTestPNG(t, 100, 50, false))

	p, err := NewProcessor(Settings{
		SourceContainer:      testSourceContainer,
		DestinationContainer: testDestinationContainer,
		MaxObjectBytes:       1 << 20,
		MaxPixels:            4000,
	}, store, store, WithCodec(stdlibCodec{}))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	for _, name := range []string{"bomb.png", "wide.png"} {
		out := p.Run(context.Background(), domain.Notification{SourceURL: blobURL(name)})
		if !IsKind(out.Error(), KindDecode) || !errors.Is(out.Error(), ErrImageTooLarge) {
			t.Fatalf("%s: expected decode error for oversized raster, got %v", name, out.Error())
		}
		if out.Stage != StageDecode || out.Width != 0 {
			t.Fatalf("%s: unexpected outcome %+v", name, out)
		}
	}
	if _, ensures, writes := store.calls(); ensures != 0 || writes != 0 {
		t.Fatalf("expected no publish attempts, got ensures=%d writes=%d", ensures, writes)
	}
}

func TestProcessorDefaultsPixelLimit(t *testing.T) {
	store := newFakeStorage()
	store.put(testSourceContainer, "bomb.png", declaredSizePNG(t, 10000, 10000))

	out := newTestProcessor(t, store).Run(context.Background(), domain.Notification{SourceURL: blobURL("bomb.png")})
	if !errors.Is(out.Error(), ErrImageTooLarge) {
		t.Fatalf("expected the default pixel limit to reject 10000x10000, got %v", out.Error())
	}
}
