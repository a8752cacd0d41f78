package cache

import "errors"

var (
	// ErrCacheUnavailable indicates the persistent tier could not be
	// reached. TieredCache treats it as a degradation signal, never as a
	// caller-visible failure.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)
