package router

import "errors"

var (
	// ErrNoRoute is returned when no rule matches the request host and path
	ErrNoRoute = errors.New("no matching route")

	// ErrInvalidRule wraps every rule validation failure
	ErrInvalidRule = errors.New("invalid routing rule")

	// ErrStaticConfig is returned when reloading a store without a source
	ErrStaticConfig = errors.New("routing configuration is static")
)
