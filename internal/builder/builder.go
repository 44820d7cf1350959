// Package builder defines the container build contract workers execute.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/cygni/cloudexpress/internal/domain"
)

// LogSink receives build output line by line so large logs never sit
// fully in memory.
type LogSink func(line string)

// Artifact is the outcome of a successful build.
type Artifact struct {
	ImageURL string
	Digest   string
	Metadata map[string]string
}

// Builder turns a claimed job into a pushed container image.
type Builder interface {
	Build(ctx context.Context, job *domain.BuildJob, sink LogSink) (*Artifact, error)
}

// infraError marks failures of the build infrastructure (registry,
// network, daemon) as opposed to failures of the user's build itself.
type infraError struct {
	err error
}

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

// Infra wraps err as an infrastructure failure.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

// Infraf formats an infrastructure failure.
func Infraf(format string, args ...any) error {
	return &infraError{err: fmt.Errorf(format, args...)}
}

// IsInfra reports whether err originates from build infrastructure
// rather than the user's sources or Dockerfile.
func IsInfra(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}
