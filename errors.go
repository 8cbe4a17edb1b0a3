package spanz

import "github.com/pkg/errors"

var (
	// ErrNoSink is returned by Flush when no sink has been configured.
	// The batch stays buffered.
	ErrNoSink = errors.New("spanz: no sink configured")

	// ErrPluginExists is returned when a plugin name is registered twice.
	ErrPluginExists = errors.New("spanz: plugin already registered")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("spanz: invalid configuration")
)
