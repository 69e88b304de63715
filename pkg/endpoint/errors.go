package endpoint

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	ErrNameInvalid = errors.New("endpoint: names must only contains alphanum, dashes, dots and be less than 128 chars")
	ErrInvalidCfg  = errors.New("endpoint: invalid configuration")

	ErrUnknownKind     = errors.New("endpoint: no driver registered for kind")
	ErrModeUnsupported = errors.New("endpoint: mode not supported by this transport")
	ErrConnect         = errors.New("endpoint: could not connect")
	ErrListen          = errors.New("endpoint: could not listen")
	ErrConnectionLost  = errors.New("endpoint: connection lost")
	ErrEndpointClosed  = errors.New("endpoint: closed")
	ErrNotConnected    = errors.New("endpoint: no connected socket")
	ErrNoSocket        = errors.New("endpoint: socket does not exist")
	ErrPeerBound       = errors.New("endpoint: peer id already bound to another socket")
	ErrUnknownPeer     = errors.New("endpoint: peer id is not bound")
	ErrListenerClosed  = errors.New("endpoint: listener closed")
	ErrProtocol        = errors.New("endpoint: transport protocol violation")
)

type recoverableError struct {
	err error
}

func (r *recoverableError) Error() string {
	return r.err.Error()
}

func (r *recoverableError) Unwrap() error {
	return r.err
}

// Recoverable marks a driver error as worth a reconnection attempt.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err is subject to the reconnection policy:
// refused connections, timeouts, lost connections, or errors a driver marked
// with Recoverable. Everything else is fatal for the Endpoint.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var rerr *recoverableError
	if errors.As(err, &rerr) {
		return true
	}

	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
