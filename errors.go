package main

import (
	"errors"
	"fmt"
)

var (
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrTableNotFound         = errors.New("table not found")
	ErrFieldNotFound         = errors.New("field not found")
	ErrCatalogUnavailable    = errors.New("catalog unavailable")
	ErrUnsupportedQueryShape = errors.New("unsupported query shape")
	ErrPersist               = errors.New("persist card")
	ErrSameCollection        = errors.New("source and destination collections must differ")
)

// ConfigError is a pre-flight failure: bad flags, bad config file or missing
// credentials. It is always reported before any platform call is made.
type ConfigError struct {
	msg string
	err error
}

func configErrorf(format string, args ...any) *ConfigError {
	err := fmt.Errorf(format, args...)
	return &ConfigError{msg: err.Error(), err: errors.Unwrap(err)}
}

func (e *ConfigError) Error() string { return "configuration error: " + e.msg }

func (e *ConfigError) Unwrap() error { return e.err }

// exitCodeFor maps a run error to the process exit status.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return 1
}

// exitConfig follows sysexits(3) EX_CONFIG.
const exitConfig = 78
