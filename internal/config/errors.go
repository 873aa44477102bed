package config

import "errors"

var (
	// ErrInvalidConfig marks a process configuration that failed Validate.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig marks a failure reading the config file or environment.
	ErrLoadConfig = errors.New("load config failed")
	// ErrMalformedKey marks a platform config key that could not be decoded
	// and was left at its default.
	ErrMalformedKey = errors.New("malformed platform config key")
)
