package wire

import "fmt"

// Kind is the wire-level error classification every response carries
// (spec.md §8's "Error codes (wire)").
type Kind int

const (
	Success Kind = iota
	Unknown
	InvalidValue
	InvalidCommand
	InvalidPath
	InvalidState
	InvalidProperty
	InvalidData
	ContainerDoesNotExist
	ContainerAlreadyExists
	Permission
	ResourceNotAvailable
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "Success"
	case Unknown:
		return "Unknown"
	case InvalidValue:
		return "InvalidValue"
	case InvalidCommand:
		return "InvalidCommand"
	case InvalidPath:
		return "InvalidPath"
	case InvalidState:
		return "InvalidState"
	case InvalidProperty:
		return "InvalidProperty"
	case InvalidData:
		return "InvalidData"
	case ContainerDoesNotExist:
		return "ContainerDoesNotExist"
	case ContainerAlreadyExists:
		return "ContainerAlreadyExists"
	case Permission:
		return "Permission"
	case ResourceNotAvailable:
		return "ResourceNotAvailable"
	default:
		return "Unknown"
	}
}

// Error is the error type every request handler returns; it carries the
// wire Kind a response envelope reports back to the client.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the wire Kind carried by err, defaulting to Unknown for
// any error that did not originate as a *wire.Error — the outermost
// request handler is the only place that performs this conversion
// (spec.md §8: "only the outermost request handler converts any
// unexpected failure into Unknown").
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	if we, ok := err.(*Error); ok {
		return we.Kind
	}
	return Unknown
}
