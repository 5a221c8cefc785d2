//go:build !windows

package capture

import (
	"errors"
	"image"

	"github.com/tfclaw/tfclaw/internal/wire"
)

// Window enumeration and window grabs are Windows-only.

func listWindows() ([]wire.CaptureSource, error) {
	return nil, nil
}

func grabWindow(string) (image.Image, error) {
	return nil, errors.New("window capture is not supported on this platform")
}
