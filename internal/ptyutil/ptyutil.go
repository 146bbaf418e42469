// Package ptyutil wraps github.com/creack/pty with the window-size shape
// the pty-req and window-change channel requests carry on the wire
// (RFC 4254 §6.2, §6.7), so the session package never touches raw
// ioctls directly.
package ptyutil

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Winsize mirrors the four fields of a pty-req/window-change request
// payload: terminal dimensions in characters and in pixels.
type Winsize struct {
	Cols, Rows   uint32
	WidthPixels  uint32
	HeightPixels uint32
}

func (w Winsize) toPty() *pty.Winsize {
	return &pty.Winsize{
		Rows: uint16(w.Rows),
		Cols: uint16(w.Cols),
		X:    uint16(w.WidthPixels),
		Y:    uint16(w.HeightPixels),
	}
}

// Start allocates a pty/tty pair sized to ws, wires cmd's stdio to the
// tty side, and starts cmd, returning the pty side for the caller to
// read/write and resize.
func Start(cmd *exec.Cmd, ws Winsize) (*os.File, error) {
	return pty.StartWithSize(cmd, ws.toPty())
}

// Resize applies a new window size to an already-running pty.
func Resize(f *os.File, ws Winsize) error {
	return pty.Setsize(f, ws.toPty())
}
