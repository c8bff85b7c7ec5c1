package bridge

import (
	"errors"
	"fmt"
	"reflect"
)

// Bridge errors.
var (
	// ErrClientClosed rejects every call still pending when a Client closes.
	ErrClientClosed = errors.New("bridge client closed")

	// ErrHostClosed is returned when a Host can no longer dispatch calls.
	ErrHostClosed = errors.New("bridge host closed")

	// ErrNotCallback is returned when an argument is not a callback reference.
	ErrNotCallback = errors.New("argument is not a callback reference")

	// ErrCallbackReleased is returned when invoking a released callback.
	ErrCallbackReleased = errors.New("callback released")

	// ErrArgIndex is returned when an argument index is out of range.
	ErrArgIndex = errors.New("argument index out of range")
)

// Error names carried in Result messages for failures raised by the Host
// itself rather than by the invoked method.
const (
	ErrorNameNotFound    = "NotFound"
	ErrorNamePanic       = "Panic"
	ErrorNameEncode      = "EncodeError"
	ErrorNameUnavailable = "Unavailable"
	ErrorNameGeneric     = "Error"
)

// Named is implemented by errors that want to control the name sent across
// the bridge.
type Named interface {
	ErrorName() string
}

// RemoteError is an error reconstructed from a Result message. Name and
// Message are preserved exactly as the Host sent them.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ErrorName implements Named so a Host method can forward a RemoteError
// unchanged.
func (e *RemoteError) ErrorName() string {
	return e.Name
}

// ErrorName returns the wire name for err: the name chosen by a Named error
// in its chain, otherwise the type name of the innermost wrapped error.
// Unnamed errors from the errors and fmt packages are ErrorNameGeneric.
func ErrorName(err error) string {
	var named Named
	if errors.As(err, &named) && named.ErrorName() != "" {
		return named.ErrorName()
	}
	if err == nil {
		return ErrorNameGeneric
	}
	for next := errors.Unwrap(err); next != nil; next = errors.Unwrap(next) {
		err = next
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors", "fmt", "":
		return ErrorNameGeneric
	}
	return t.Name()
}

// IsRemote reports whether err is a RemoteError with the given name.
func IsRemote(err error, name string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Name == name
}
