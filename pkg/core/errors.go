package core

import "errors"

var (
	ErrInvalidCfg         = errors.New("core: invalid configuration")
	ErrInvalidRegistry    = errors.New("core: invalid registry")
	ErrAlreadyIntroduced  = errors.New("core: technology is already introduced")
	ErrNotIntroduced      = errors.New("core: technology is not introduced")
	ErrNotLoggedIn        = errors.New("core: no user is logged in for the technology")
	ErrUnknownTechnology  = errors.New("core: unknown technology")
	ErrMissingPayload     = errors.New("core: missing payload key")
	ErrNoLink             = errors.New("core: no endpoint children can connect to")
	ErrSupervisorShutdown = errors.New("core: supervisor is shutting down")
)
