package tmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("tmux send-keys: can't find pane: %42"), true},
		{errors.New("tmux kill-window: can't find window: @7"), true},
		{errors.New("tmux has-session: can't find session: tfclaw"), true},
		{errors.New("tmux -V: no server running on /tmp/tmux-0/default"), true},
		{errors.New("tmux new-window: permission denied"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNotFound(tt.err), "%v", tt.err)
	}
}

func TestTunneled(t *testing.T) {
	assert.False(t, NewRunner("tmux", nil, "s").Tunneled())
	assert.True(t, NewRunner("wsl", []string{"-e", "tmux"}, "s").Tunneled())
	assert.True(t, NewRunner(`C:\Windows\System32\wsl.exe`, nil, "s").Tunneled())
}

func TestTranslatePath(t *testing.T) {
	native := NewRunner("tmux", nil, "s")
	assert.Equal(t, `C:\Users\me`, native.TranslatePath(`C:\Users\me`))

	tun := NewRunner("wsl", []string{"-e", "tmux"}, "s")
	tests := []struct {
		in, want string
	}{
		{`C:\Users\me\work`, "/mnt/c/Users/me/work"},
		{`D:/projects`, "/mnt/d/projects"},
		{"/home/me", "/home/me"},
		{"relative/path", "relative/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tun.TranslatePath(tt.in), tt.in)
	}
}
