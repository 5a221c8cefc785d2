// Package capture enumerates displays and top-level windows and grabs
// their pixels as base64 PNG.
package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strconv"

	"github.com/kbinani/screenshot"

	"github.com/tfclaw/tfclaw/internal/wire"
)

// Grabber lists capture sources and grabs one.
type Grabber interface {
	// Sources returns all capturable sources. Screen sources are always
	// included; a window-enumeration failure is returned alongside them.
	Sources() ([]wire.CaptureSource, error)
	// Grab captures a source and returns base64-encoded PNG bytes.
	Grab(source, sourceID string) (string, error)
}

type grabber struct{}

// New returns the platform Grabber.
func New() Grabber { return grabber{} }

func (grabber) Sources() ([]wire.CaptureSource, error) {
	n := screenshot.NumActiveDisplays()
	sources := make([]wire.CaptureSource, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		sources = append(sources, wire.CaptureSource{
			Source:   wire.SourceScreen,
			SourceID: strconv.Itoa(i),
			Label:    fmt.Sprintf("Display %d (%dx%d)", i+1, b.Dx(), b.Dy()),
		})
	}

	windows, err := listWindows()
	sources = append(sources, windows...)
	return sources, err
}

func (grabber) Grab(source, sourceID string) (string, error) {
	switch source {
	case wire.SourceScreen:
		display := 0
		if sourceID != "" {
			i, err := strconv.Atoi(sourceID)
			if err != nil || i < 0 || i >= screenshot.NumActiveDisplays() {
				return "", fmt.Errorf("unknown display %q", sourceID)
			}
			display = i
		}
		img, err := screenshot.CaptureDisplay(display)
		if err != nil {
			return "", fmt.Errorf("capture display %d: %w", display, err)
		}
		return encodePNG(img)
	case wire.SourceWindow:
		img, err := grabWindow(sourceID)
		if err != nil {
			return "", err
		}
		return encodePNG(img)
	default:
		return "", fmt.Errorf("unknown capture source %q", source)
	}
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
