// Package session implements the "session" channel type, RFC 4254 §6:
// pty allocation, shell/exec/subsystem dispatch, environment variables,
// window-change and signal delivery, and exit-status reporting, per
// spec §4.3/§4.4.
package session

import (
	"syscall"

	"github.com/sngardner/mina-sshd/wire"
)

// PtyRequest is the payload of a pty-req channel request, RFC 4254 §6.2.
// Modes carries the RFC 4254 §8 encoded terminal-mode string verbatim;
// this layer doesn't interpret it.
type PtyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   []byte
}

func DecodePtyRequest(payload []byte) (PtyRequest, error) {
	buf := wire.NewBufferFrom(payload)
	var m PtyRequest
	var err error
	if m.Term, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.Columns, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Rows, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Width, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Height, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Modes, err = buf.GetString(); err != nil {
		return m, err
	}
	return m, nil
}

// WindowChange is the payload of a window-change channel request,
// RFC 4254 §6.7.
type WindowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func DecodeWindowChange(payload []byte) (WindowChange, error) {
	buf := wire.NewBufferFrom(payload)
	var m WindowChange
	var err error
	if m.Columns, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Rows, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Width, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.Height, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}

// Exec is the payload of an exec channel request, RFC 4254 §6.5.
type Exec struct {
	Command string
}

func (m Exec) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.Command)
	return buf.Bytes()
}

func DecodeExec(payload []byte) (Exec, error) {
	buf := wire.NewBufferFrom(payload)
	cmd, err := buf.GetText()
	return Exec{Command: cmd}, err
}

// Subsystem is the payload of a subsystem channel request, RFC 4254 §6.5.
type Subsystem struct {
	Name string
}

func (m Subsystem) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.Name)
	return buf.Bytes()
}

func DecodeSubsystem(payload []byte) (Subsystem, error) {
	buf := wire.NewBufferFrom(payload)
	name, err := buf.GetText()
	return Subsystem{Name: name}, err
}

// Setenv is the payload of an env channel request, RFC 4254 §6.4.
type Setenv struct {
	Name  string
	Value string
}

func DecodeSetenv(payload []byte) (Setenv, error) {
	buf := wire.NewBufferFrom(payload)
	var m Setenv
	var err error
	if m.Name, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.Value, err = buf.GetText(); err != nil {
		return m, err
	}
	return m, nil
}

// Signal is the payload of a signal channel request, RFC 4254 §6.9. Name
// is the signal name without the "SIG" prefix, e.g. "INT".
type Signal struct {
	Name string
}

func DecodeSignal(payload []byte) (Signal, error) {
	buf := wire.NewBufferFrom(payload)
	name, err := buf.GetText()
	return Signal{Name: name}, err
}

// signalNumbers maps RFC 4254 §6.9 signal names to POSIX signal numbers
// on the platforms this layer targets.
var signalNumbers = map[string]syscall.Signal{
	"ABRT": syscall.SIGABRT,
	"ALRM": syscall.SIGALRM,
	"FPE":  syscall.SIGFPE,
	"HUP":  syscall.SIGHUP,
	"ILL":  syscall.SIGILL,
	"INT":  syscall.SIGINT,
	"KILL": syscall.SIGKILL,
	"PIPE": syscall.SIGPIPE,
	"QUIT": syscall.SIGQUIT,
	"SEGV": syscall.SIGSEGV,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ExitStatus is the payload of an exit-status channel request,
// RFC 4254 §6.10.
type ExitStatus struct {
	Code uint32
}

func (m ExitStatus) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutUint32(m.Code)
	return buf.Bytes()
}

// ExitSignal is the payload of an exit-signal channel request,
// RFC 4254 §6.10, sent instead of ExitStatus when a process died from an
// uncaught signal.
type ExitSignal struct {
	Name       string
	CoreDumped bool
	Message    string
	Language   string
}

func (m ExitSignal) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.Name)
	buf.PutBoolean(m.CoreDumped)
	buf.PutText(m.Message)
	buf.PutText(m.Language)
	return buf.Bytes()
}
