//go:build windows

package capture

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"github.com/kbinani/screenshot"
	"golang.org/x/sys/windows"

	"github.com/tfclaw/tfclaw/internal/wire"
)

const (
	minWindowWidth  = 80
	minWindowHeight = 60
)

var (
	user32              = windows.NewLazySystemDLL("user32.dll")
	procEnumWindows     = user32.NewProc("EnumWindows")
	procGetWindowTextW  = user32.NewProc("GetWindowTextW")
	procIsWindowVisible = user32.NewProc("IsWindowVisible")
	procGetWindowRect   = user32.NewProc("GetWindowRect")
)

type winRect struct {
	Left, Top, Right, Bottom int32
}

// listWindows enumerates visible top-level windows with a title and a
// usable rectangle.
func listWindows() ([]wire.CaptureSource, error) {
	var sources []wire.CaptureSource
	cb := syscall.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		visible, _, _ := procIsWindowVisible.Call(hwnd)
		if visible == 0 {
			return 1
		}
		var buf [256]uint16
		n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		if n == 0 {
			return 1
		}
		title := windows.UTF16ToString(buf[:n])
		if title == "" {
			return 1
		}
		var r winRect
		ok, _, _ := procGetWindowRect.Call(hwnd, uintptr(unsafe.Pointer(&r)))
		if ok == 0 {
			return 1
		}
		if r.Right-r.Left < minWindowWidth || r.Bottom-r.Top < minWindowHeight {
			return 1
		}
		sources = append(sources, wire.CaptureSource{
			Source:   wire.SourceWindow,
			SourceID: fmt.Sprintf("0x%X", hwnd),
			Label:    title,
		})
		return 1
	})
	ret, _, err := procEnumWindows.Call(cb, 0)
	if ret == 0 {
		return sources, fmt.Errorf("enumerate windows: %v", err)
	}
	return sources, nil
}

// grabWindow copies a window's screen rectangle into an image.
func grabWindow(sourceID string) (image.Image, error) {
	hex := strings.TrimPrefix(strings.ToLower(sourceID), "0x")
	hwnd, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("bad window handle %q", sourceID)
	}
	var r winRect
	ok, _, callErr := procGetWindowRect.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&r)))
	if ok == 0 {
		return nil, fmt.Errorf("window rect 0x%X: %v", hwnd, callErr)
	}
	rect := image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom))
	img, err := screenshot.CaptureRect(rect)
	if err != nil {
		return nil, fmt.Errorf("capture window 0x%X: %w", hwnd, err)
	}
	return img, nil
}
