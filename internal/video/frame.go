package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"time"
)

// Frame represents a single captured video frame. The pixel buffer is
// borrowed by the pipeline for the duration of one tick.
type Frame struct {
	Data      []byte    // JPEG-encoded frame data
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
	Timestamp time.Time // Capture timestamp, monotonic per source
}

// Source supplies frames on demand.
type Source interface {
	Capture(ctx context.Context) (*Frame, error)
}

// DownsampleLuma decodes a frame and samples its brightness onto a
// grid×grid plane. The result is small enough to diff cheaply between
// consecutive frames.
func DownsampleLuma(frame *Frame, grid int) ([]float64, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if grid <= 0 {
		grid = 64
	}

	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("degenerate frame %dx%d", w, h)
	}

	plane := make([]float64, grid*grid)
	for gy := 0; gy < grid; gy++ {
		sy := bounds.Min.Y + gy*h/grid
		for gx := 0; gx < grid; gx++ {
			sx := bounds.Min.X + gx*w/grid
			r, g, b, _ := img.At(sx, sy).RGBA()
			luma := 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
			plane[gy*grid+gx] = luma / 65535.0 * 255.0
		}
	}
	return plane, nil
}
