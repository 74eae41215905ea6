package gc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when the caller's context ends a cycle. The
	// store is left as it was before the cancelled stage started.
	ErrCancelled = errors.New("gc cancelled")
	// ErrBusy is returned when a Collector is already running a stage.
	ErrBusy = errors.New("gc already running")
)

// ConfigError reports a setting that cannot be used, such as an expiration
// expression that does not parse.
type ConfigError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("gc config %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FileError records one best-effort file operation that failed. These never
// abort a cycle; the file is retried on the next one.
type FileError struct {
	Op   string // "delete", "loosen", "preserve", "rmdir"
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// wrapCancelled maps context errors surfacing from walks and writers to
// ErrCancelled and leaves everything else alone.
func wrapCancelled(err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}
