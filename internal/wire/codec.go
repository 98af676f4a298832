// Package wire implements the length-delimited request/response envelope
// exchanged between a client and the supervisor's listening socket
// (spec.md §8), plus the error-kind vocabulary every response carries.
//
// Framing follows the same pattern the prototype's container/master
// protocol used (gob payload inside a unix socket message), generalized
// from a single control channel to the request/response envelope pairs
// portod's CORE-observable verbs exchange.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/idroz/portod/pkg/unixsocket"
)

// Verb names the CORE-observable request set from spec.md §8.
type Verb string

const (
	Create          Verb = "create"
	Destroy         Verb = "destroy"
	List            Verb = "list"
	Start           Verb = "start"
	Stop            Verb = "stop"
	Pause           Verb = "pause"
	Resume          Verb = "resume"
	KillVerb        Verb = "kill"
	GetProperty     Verb = "getproperty"
	SetProperty     Verb = "setproperty"
	Wait            Verb = "wait"
	ConvertPathVerb Verb = "convertpath"
	ListProperties  Verb = "listproperties"
	GetVersion      Verb = "getversion"
	Plist           Verb = "plist"
	Dlist           Verb = "dlist"
)

// Request is one client call. Fields besides Verb/Path are populated
// according to which verb is being sent; unused fields are left zero.
type Request struct {
	Verb Verb

	Path     string   // container path the verb applies to
	Paths    []string // List/Wait operate over a set
	Key      string   // GetProperty/SetProperty
	Value    string   // SetProperty
	Signal   int      // Kill
	DeadlineMS int64  // Wait
	FromRoot string   // ConvertPath
	ToRoot   string   // ConvertPath

	// UID is the requesting peer's uid, filled in by the reactor from the
	// SCM_CREDENTIALS the kernel attaches once SO_PASSCRED is set
	// (spec.md §3 invariant 6) before
	// dispatch ever sees the request; a client cannot set this itself.
	UID int
}

// Response is the envelope every reply carries: an error Kind plus
// optional message, and a verb-specific payload.
type Response struct {
	Kind Kind
	Msg  string

	Paths      []string          // List
	Value      string            // GetProperty
	Properties map[string]string // ListProperties / Plist
	Version    string            // GetVersion
	ResolvedPath string         // ConvertPath
}

// FromError fills Kind/Msg from err, classifying via KindOf.
func (r *Response) FromError(err error) *Response {
	r.Kind = KindOf(err)
	if err != nil {
		r.Msg = err.Error()
	}
	return r
}

// socket is the subset of *unixsocket.Socket the codec needs, named the
// way the prototype's daemon/socket.go named its wrapper.
type socket unixsocket.Socket

const maxFrame = 64 << 10

// Send gob-encodes e and writes it as a single SOCK_SEQPACKET message,
// optionally passing fds/credentials out of band.
func Send(s *unixsocket.Socket, e interface{}, oob unixsocket.Msg) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if buf.Len() > maxFrame {
		return fmt.Errorf("wire: encoded frame %d bytes exceeds %d", buf.Len(), maxFrame)
	}
	if err := s.SendMsg(buf.Bytes(), oob); err != nil {
		return fmt.Errorf("wire: send: %w", err)
	}
	return nil
}

// Recv reads one message and gob-decodes it into e.
func Recv(s *unixsocket.Socket, e interface{}) (unixsocket.Msg, error) {
	buf := make([]byte, maxFrame)
	n, oob, err := s.RecvMsg(buf)
	if err != nil {
		return oob, fmt.Errorf("wire: recv: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(e); err != nil {
		return oob, fmt.Errorf("wire: decode: %w", err)
	}
	return oob, nil
}
