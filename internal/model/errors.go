package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a source that cannot be polled as configured (e.g. no credentials).
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientFetch marks network, timeout, HTTP or parse failures from an adapter.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrStorage marks failures of the durable store.
	ErrStorage = errors.New("storage error")
	// ErrValidation marks rejected query parameters.
	ErrValidation = errors.New("validation error")
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

func classify(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &classified{kind: kind, err: err}
}

// ConfigurationError tags err as a configuration problem.
func ConfigurationError(err error) error { return classify(ErrConfiguration, err) }

// TransientFetchError tags err as a transient fetch failure.
func TransientFetchError(err error) error { return classify(ErrTransientFetch, err) }

// StorageError tags err as a storage failure.
func StorageError(err error) error { return classify(ErrStorage, err) }

// ValidationErrorf builds a validation error.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
