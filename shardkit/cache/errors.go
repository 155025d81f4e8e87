package cache

import "errors"

var (
	// ErrNamespaceUnknown is returned for reads/writes against a namespace
	// that was never registered. Callers must register namespaces at startup;
	// silently defaulting would hide configuration bugs.
	ErrNamespaceUnknown = errors.New("cache namespace is not registered")
	// ErrNamespaceInvalid indicates a namespace config that fails validation.
	ErrNamespaceInvalid = errors.New("invalid cache namespace config")
	// ErrNilCache is returned when a cache receiver is nil.
	ErrNilCache = errors.New("cache is nil")
	// ErrProducerRequired is returned by GetOrSet when no producer is given.
	ErrProducerRequired = errors.New("cache producer is required")
)
