package unixsocket

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Listener wraps a SOCK_SEQPACKET unix listening socket bound to a
// fixed filesystem path (spec.md §6's "stream socket at a fixed
// filesystem path"), handing out *Socket connections the same wire
// codec speaks to over a socketpair.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Listen removes any stale socket file at path, binds a new
// SOCK_SEQPACKET listener there, and marks it close-on-exec so a
// respawned worker re-execing itself does not leak the fd across a
// plain exec (it is handed down explicitly instead, per spec.md §4.9).
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("unixsocket: remove stale socket %s: %w", path, err)
	}
	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: socket: %w", err)
	}
	addr := &syscall.SockaddrUnix{Name: path}
	if err := syscall.Bind(fd, addr); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("unixsocket: bind %s: %w", path, err)
	}
	if err := syscall.Listen(fd, 64); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("unixsocket: listen %s: %w", path, err)
	}
	file := os.NewFile(uintptr(fd), "unix-listener")
	conn, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("unixsocket: FileListener: %w", err)
	}
	ln, ok := conn.(*net.UnixListener)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unixsocket: %s is not a unix listener", path)
	}
	return &Listener{path: path, ln: ln}, nil
}

// ListenFD wraps an already-bound, already-listening socket fd, used
// when a respawned worker inherits the socket from the supervisor
// instead of binding its own (spec.md §4.9: "the worker inherits the
// socket").
func ListenFD(fd int) (*Listener, error) {
	file := os.NewFile(uintptr(fd), "unix-listener")
	conn, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("unixsocket: FileListener: %w", err)
	}
	ln, ok := conn.(*net.UnixListener)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unixsocket: inherited fd is not a unix listener")
	}
	return &Listener{ln: ln}, nil
}

// Dial connects to a Listener bound at path, for a client talking to
// the daemon's fixed control socket (spec.md §6).
func Dial(path string) (*Socket, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: dial %s: %w", path, err)
	}
	return newSocket(conn), nil
}

// Accept blocks for the next client connection.
func (l *Listener) Accept() (*Socket, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newSocket(conn), nil
}

// Fd returns the listener's underlying file descriptor, for handing
// down to a respawned worker.
func (l *Listener) Fd() (uintptr, error) {
	sysconn, err := l.ln.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	cErr := sysconn.Control(func(f uintptr) { fd = f })
	return fd, cErr
}

// Close closes the listener and, if this process bound it, removes
// the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if l.path != "" {
		os.Remove(l.path)
	}
	return err
}
