package serverfn

import (
	"fmt"
	"net/http"
)

// ErrorKind discriminates the variants of the shared error taxonomy. The
// kind is also the wire tag, so renaming a kind is a protocol change.
type ErrorKind string

const (
	// KindSerialization indicates a value could not be encoded.
	KindSerialization ErrorKind = "Serialization"
	// KindDeserialization indicates a wire payload could not be decoded.
	KindDeserialization ErrorKind = "Deserialization"
	// KindTransport indicates a connection or send failure.
	KindTransport ErrorKind = "Transport"
	// KindServerStatus indicates a non-2xx response whose body did not
	// carry a parseable taxonomy value.
	KindServerStatus ErrorKind = "ServerStatus"
	// KindCustom carries a free-form message.
	KindCustom ErrorKind = "Custom"
	// KindApp carries an application-defined, serializable payload.
	KindApp ErrorKind = "App"
)

// Error is the runtime's single error type, shared by the serving and
// calling sides. Exactly one of Detail, Status, or the App payload is
// meaningful, selected by Kind.
type Error struct {
	Kind   ErrorKind
	Detail string // message for Serialization/Deserialization/Transport/Custom
	Status int    // HTTP status for ServerStatus
	App    any    // domain payload for App (serving side)

	// appRaw holds the still-encoded App payload on the calling side,
	// together with the codec that produced it, so AppErrorAs can decode
	// into the caller's concrete type.
	appRaw   []byte
	appCodec Codec
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServerStatus:
		return fmt.Sprintf("server error: status %d", e.Status)
	case KindApp:
		if e.App != nil {
			return fmt.Sprintf("application error: %v", e.App)
		}
		return "application error"
	default:
		return fmt.Sprintf("%s error: %s", lowerKind(e.Kind), e.Detail)
	}
}

// Is matches any *Error when the target has no Kind set, or errors of the
// same Kind otherwise, so both errors.Is(err, &Error{}) and
// errors.Is(err, &Error{Kind: KindTransport}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// httpStatus maps a taxonomy variant to the RPC response status. The
// mapping is fixed: request-side faults (undecodable input) and
// application-domain errors are 400, everything else is 500.
func (e *Error) httpStatus() int {
	switch e.Kind {
	case KindDeserialization, KindApp:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func lowerKind(k ErrorKind) string {
	switch k {
	case KindSerialization:
		return "serialization"
	case KindDeserialization:
		return "deserialization"
	case KindTransport:
		return "transport"
	case KindCustom:
		return "custom"
	default:
		return string(k)
	}
}

// SerializationError reports a value that could not be encoded.
func SerializationError(format string, args ...any) *Error {
	return &Error{Kind: KindSerialization, Detail: fmt.Sprintf(format, args...)}
}

// DeserializationError reports a wire payload that could not be decoded.
func DeserializationError(format string, args ...any) *Error {
	return &Error{Kind: KindDeserialization, Detail: fmt.Sprintf(format, args...)}
}

// TransportError reports a connection or send failure.
func TransportError(err error) *Error {
	return &Error{Kind: KindTransport, Detail: err.Error()}
}

// ServerStatusError reports a non-2xx response with no decodable error body.
func ServerStatusError(status int) *Error {
	return &Error{Kind: KindServerStatus, Status: status}
}

// CustomError builds a free-form taxonomy error.
func CustomError(format string, args ...any) *Error {
	return &Error{Kind: KindCustom, Detail: fmt.Sprintf(format, args...)}
}

// AppError wraps an application-defined payload. The payload must be
// serializable under the descriptor's encoding; a payload that encodes to
// nothing degrades to Custom on the calling side.
func AppError(payload any) *Error {
	return &Error{Kind: KindApp, App: payload}
}

// AppErrorAs recovers the typed application payload from an error received
// by a caller. It reports false if err is not an App taxonomy error or its
// payload cannot be decoded into E.
func AppErrorAs[E any](err error) (E, bool) {
	var zero E
	e, ok := err.(*Error)
	if !ok || e.Kind != KindApp {
		return zero, false
	}
	if v, ok := e.App.(E); ok {
		return v, true
	}
	if e.appRaw == nil || e.appCodec == nil {
		return zero, false
	}
	var out E
	if decErr := e.appCodec.Unmarshal(e.appRaw, &out); decErr != nil {
		return zero, false
	}
	return out, true
}

// asTaxonomy coerces an arbitrary handler error into the taxonomy.
// Non-taxonomy errors become Custom, matching the invocation-boundary
// contract that nothing else crosses the wire.
func asTaxonomy(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: KindCustom, Detail: err.Error()}
}
