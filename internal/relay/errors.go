package relay

import "errors"

var (
	ErrUnknownSession       = errors.New("relay: unknown session")
	ErrNotAuthenticated     = errors.New("relay: session has not claimed an identity")
	ErrAlreadyAuthenticated = errors.New("relay: session already holds an identity")
	ErrBanned               = errors.New("relay: device is banned")
	ErrInvalidDevice        = errors.New("relay: invalid device token")
	ErrNameUnchanged        = errors.New("relay: requested name is the current name")
	ErrRateLimited          = errors.New("relay: sender is muted")
	ErrUnknownCommand       = errors.New("relay: unknown command")
	ErrTargetNotFound       = errors.New("relay: target not found")
)
