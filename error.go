package tcprelay

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrorKind classifies where in the relay a failure happened.
type ErrorKind int8

const (
	StartupError ErrorKind = iota + 1
	RegistrationError
	PollError
	AcceptError
	ReadError
	WriteError
	// ConsistencyError means the poller reported a token the registry never issued.
	ConsistencyError
)

func (k ErrorKind) String() string {
	switch k {
	case StartupError:
		return "startup"
	case RegistrationError:
		return "registration"
	case PollError:
		return "poll"
	case AcceptError:
		return "accept"
	case ReadError:
		return "read"
	case WriteError:
		return "write"
	case ConsistencyError:
		return "consistency"
	}
	return "unknown"
}

var (
	errUnknownToken  = errors.New("unexpected token")
	errNoConnection  = errors.New("No connection yet, input dropped")
	errNotPollable   = errors.New("console input has no pollable descriptor")
	errUnknownMode   = errors.New("unknown relay mode")
	errMissingAddr   = errors.New("address is required")
	errMissingOutput = errors.New("console output is required")
)

// RelayError is returned by every I/O and registration call of the relay.
type RelayError struct {
	Kind  ErrorKind
	Role  Role
	Op    string
	Token Token
	Err   error
	// hasToken is false for errors not bound to a registered source.
	hasToken bool
}

func newError(kind ErrorKind, role Role, op string, err error) *RelayError {
	return &RelayError{Kind: kind, Role: role, Op: op, Err: err}
}

func newTokenError(kind ErrorKind, role Role, op string, token Token, err error) *RelayError {
	return &RelayError{Kind: kind, Role: role, Op: op, Token: token, Err: err, hasToken: true}
}

func (e *RelayError) Error() string {
	if e.hasToken {
		return fmt.Sprintf("%s ERROR: %s %s: %v", e.Role.Tag(), e.Op, e.Token, e.Err)
	}
	return fmt.Sprintf("%s ERROR: %s: %v", e.Role.Tag(), e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the relay has to stop because of e. Accept failures and
// failures scoped to a single accepted peer only cost that peer.
func (e *RelayError) Fatal() bool {
	switch e.Kind {
	case AcceptError:
		return false
	case ReadError, WriteError, RegistrationError:
		return e.Role != RolePeer
	}
	return true
}

// withRole attributes a role-less *RelayError to role.
func withRole(err error, role Role) error {
	var relayErr *RelayError
	if errors.As(err, &relayErr) && relayErr.Role == RoleNone {
		relayErr.Role = role
	}
	return err
}

// IsFatal reports whether err must terminate the reactor. Errors that are not
// a *RelayError are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Fatal()
	}
	return true
}

// KindOf returns the kind of err, or zero if err is not a *RelayError.
func KindOf(err error) ErrorKind {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return 0
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
