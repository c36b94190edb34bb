package registry

import "errors"

var (
	ErrUnknownWorker  = errors.New("registry: unknown worker")
	ErrNotManager     = errors.New("registry: worker does not hold the manager role")
	ErrUnknownSession = errors.New("registry: unknown session")
)
