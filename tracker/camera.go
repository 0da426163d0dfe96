package tracker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/signalsfoundry/star-tracker/attitude"
	"github.com/signalsfoundry/star-tracker/centroid"
	"github.com/signalsfoundry/star-tracker/model"
)

// CaptureError reports a failed capture attempt. Transient errors are
// retried up to the cycle's retry budget; a Fatal error is a hardware
// fault and forces the ERROR state immediately.
type CaptureError struct {
	Err   error
	Fatal bool
}

func (e *CaptureError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("camera hardware fault: %v", e.Err)
	}
	return fmt.Sprintf("capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Camera is the capture interface consumed by the tracker. The real
// sensor driver and the synthetic variants implement it; orchestration
// never inspects which one it holds.
type Camera interface {
	// Capture returns one encoded frame. It must respect ctx: the
	// tracker bounds every capture with a deadline and treats an
	// overrun as a capture failure, not a hang.
	Capture(ctx context.Context) ([]byte, error)
}

// MockCamera renders a deterministic synthetic star field: the
// configured stars projected through the optical model at a fixed
// ground-truth attitude. It backs tests and ground demos where no
// sensor exists.
type MockCamera struct {
	Stars    []model.CatalogEntry
	Attitude attitude.Mat3 // body→inertial ground truth
	Optics   centroid.CameraModel
	Width    int
	Height   int
}

// Capture renders the star field and returns it PNG-encoded.
func (c *MockCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Err: err}
	}

	img := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	inverse := c.Attitude.Transpose()
	for _, star := range c.Stars {
		body := inverse.Apply(star.Unit)
		x, y, ok := c.Optics.Project(body)
		if !ok {
			continue
		}
		paintStar(img, int(x+0.5), int(y+0.5), starPeak(star.Magnitude))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &CaptureError{Err: fmt.Errorf("encode synthetic frame: %w", err)}
	}
	return buf.Bytes(), nil
}

// starPeak maps visual magnitude to a pixel peak. Brighter stars
// (smaller magnitude) render brighter, floored so faint catalog
// entries still clear a realistic detection threshold.
func starPeak(magnitude float64) uint8 {
	peak := 240 - 30*magnitude
	if peak < 80 {
		peak = 80
	}
	if peak > 255 {
		peak = 255
	}
	return uint8(peak)
}

func paintStar(img *image.Gray, cx, cy int, peak uint8) {
	bounds := img.Bounds()
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			x, y := cx+dx, cy+dy
			if x < bounds.Min.X || y < bounds.Min.Y || x >= bounds.Max.X || y >= bounds.Max.Y {
				continue
			}
			v := int(peak) >> uint(abs(dx)+abs(dy))
			if existing := img.GrayAt(x, y).Y; int(existing) > v {
				continue
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// FileCamera replays frames from a directory in filename order,
// wrapping around at the end. It stands in for the sensor when
// processing archived captures.
type FileCamera struct {
	Dir string

	mu    sync.Mutex
	files []string
	next  int
}

// Capture returns the next archived frame.
func (c *FileCamera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.files == nil {
		entries, err := filepath.Glob(filepath.Join(c.Dir, "*"))
		if err != nil || len(entries) == 0 {
			return nil, &CaptureError{Err: fmt.Errorf("no frames in %s", c.Dir), Fatal: true}
		}
		sort.Strings(entries)
		c.files = entries
	}

	path := c.files[c.next%len(c.files)]
	c.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CaptureError{Err: fmt.Errorf("read frame %s: %w", path, err)}
	}
	return data, nil
}
