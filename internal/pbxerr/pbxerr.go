package pbxerr

import (
	"errors"
	"strings"
)

// Phase names the lifecycle step that failed.
type Phase string

const (
	PhaseBootstrap Phase = "bootstrap"
	PhaseOpen      Phase = "open"
	PhaseSubscribe Phase = "subscribe"
	PhasePoll      Phase = "poll"
)

// Kinds of unrecoverable failures. Match them with errors.Is.
var (
	ErrConfig              = errors.New("configuration error")
	ErrUnreachable         = errors.New("server unreachable")
	ErrUnsupportedVersion  = errors.New("unsupported API version")
	ErrNoCurrentVersion    = errors.New("no current API version")
	ErrAuthentication      = errors.New("authentication failed")
	ErrSessionOpen         = errors.New("session open failed")
	ErrSubscriptionRefused = errors.New("subscription refused")
	ErrSubscriptionGone    = errors.New("subscription no longer exists")
)

// Error is the single error type returned for unrecoverable conditions.
// Msg is the human readable description; Err is the underlying cause, if any.
type Error struct {
	Phase Phase
	Kind  error
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Phase))
	b.WriteString(": ")
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(phase Phase, kind error, msg string, cause error) *Error {
	return &Error{Phase: phase, Kind: kind, Msg: msg, Err: cause}
}

// PhaseOf returns the phase of the first *Error in err's chain.
func PhaseOf(err error) (Phase, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
