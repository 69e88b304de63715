package plexus

import (
	"errors"
)

var (
	ErrInvalidCfg        = errors.New("plexus: invalid configuration")
	ErrNameInvalid       = errors.New("plexus: ids must only contains alphanum, dashes, dots and be less than 128 chars")
	ErrNoChildConfig     = errors.New("plexus: no technology configuration in the environment")
	ErrAlreadyStarted    = errors.New("plexus: already started")
	ErrShutdown          = errors.New("plexus: shutting down")
	ErrRequestTimeout    = errors.New("plexus: request timed out")
	ErrDuplicateRequest  = errors.New("plexus: a request with this id is already pending")
	ErrUnknownEvent      = errors.New("plexus: unknown event")
	ErrUndeliverable     = errors.New("plexus: envelope is undeliverable")
	ErrIntroduceRejected = errors.New("plexus: core rejected the introduction")
	ErrHandlerPanic      = errors.New("plexus: handler panicked")
	ErrUnauthorized      = errors.New("plexus: sender is not authorized")
)
