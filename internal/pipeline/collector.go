package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

const collectChunkSize = 32 * 1024

var ErrObjectTooLarge = errors.New("object exceeds size limit")

// Collect drains src into one buffer, keeping chunks in arrival order.
// A nil src yields an empty buffer so the decoder can reject it. A limit of
// zero or less disables the size check.
func Collect(ctx context.Context, src io.Reader, limit int64) ([]byte, error) {
	if src == nil {
		return []byte{}, nil
	}

	var buf bytes.Buffer

	chunk := make([]byte, collectChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := src.Read(chunk)
		if n > 0 {
			if limit > 0 && int64(buf.Len()+n) > limit {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrObjectTooLarge, limit)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk at offset %d: %w", buf.Len(), err)
		}
	}
}
