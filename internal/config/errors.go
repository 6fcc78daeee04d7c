package config

import "errors"

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrUnknownBackend marks a store, feed or mirror mode name that is not supported.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrLoadConfig wraps file, env and decoding failures.
	ErrLoadConfig = errors.New("load config failed")
)
