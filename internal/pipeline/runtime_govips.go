//go:build govips && cgo

package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	started     atomic.Bool
)

// Startup boots libvips once per process. Runs only ever decode through
// vips and never reuse an operation, so the operation cache stays off.
func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: 1,
			MaxCacheFiles:    0,
			MaxCacheMem:      0,
			MaxCacheSize:     0,
		})
		started.Store(true)
	})
	return nil
}

func Shutdown() {
	if started.CompareAndSwap(true, false) {
		vips.Shutdown()
	}
}

func newCodec() Codec {
	return govipsCodec{}
}
