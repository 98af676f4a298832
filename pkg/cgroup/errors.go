package cgroup

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Kind classifies a cgroup operation failure the way the CgroupManager
// contract requires: callers branch on kind, not on the wrapped errno.
type Kind int

const (
	// KindIO is any failure not covered by the more specific kinds below.
	KindIO Kind = iota
	// KindNotFound is returned when the kernel reports ENOENT for a path
	// that should exist (or, for Remove, makes Remove a non-error).
	KindNotFound
	// KindBusy is EBUSY on Remove: the directory is not empty.
	KindBusy
	// KindDenied is EACCES/EPERM opening or writing a knob.
	KindDenied
)

// Error wraps a cgroup path/knob operation with its classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

// Unwrap lets errors.Is/As reach the underlying errno.
func (e *Error) Unwrap() error { return e.Err }

// classify maps a raw error from the os/unix packages onto a Kind.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	k := KindIO
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, unix.ENOENT):
		k = KindNotFound
	case errors.Is(err, unix.EBUSY):
		k = KindBusy
	case errors.Is(err, os.ErrPermission), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		k = KindDenied
	}
	return &Error{Kind: k, Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err is (or wraps) a KindNotFound Error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsBusy reports whether err is (or wraps) a KindBusy Error.
func IsBusy(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindBusy
}
