package service

import "errors"

// Sentinel errors.
var (
	ErrStart      = errors.New("service start failed")
	ErrNotStarted = errors.New("service not started")
)
