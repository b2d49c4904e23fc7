package session

import "errors"

var (
	ErrIdentityRequired = errors.New("session: client identity required")
	ErrConnectAborted   = errors.New("session: connect aborted by disconnect")
	ErrTeardownTimeout  = errors.New("session: streams did not close within grace period")
)
