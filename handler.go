package scheduler

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Handler executes a claimed job. Returning an error marks the attempt as
// failed; the job is removed either way.
type Handler func(ctx context.Context, job *Job) error

// Handlers maps job names to their handlers.
type Handlers map[string]Handler

// NewHandlers creates an empty handler registry.
func NewHandlers() Handlers {
	return Handlers{}
}

// Register adds a handler for name.
// Empty names, nil handlers and duplicate names are rejected.
func (h Handlers) Register(name string, fn Handler) error {
	if strings.TrimSpace(name) == "" {
		return errors.Wrap(ErrInvalidHandler, "job name is empty")
	}
	if fn == nil {
		return errors.Wrapf(ErrInvalidHandler, "handler for %q is nil", name)
	}
	if _, exists := h[name]; exists {
		return errors.Wrapf(ErrInvalidHandler, "handler already registered for %q", name)
	}
	h[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (h Handlers) MustRegister(name string, fn Handler) Handlers {
	if err := h.Register(name, fn); err != nil {
		panic(err)
	}
	return h
}

// Names returns the registered job names in sorted order.
func (h Handlers) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h Handlers) validate() error {
	for name, fn := range h {
		if strings.TrimSpace(name) == "" {
			return errors.Wrap(ErrInvalidHandler, "job name is empty")
		}
		if fn == nil {
			return errors.Wrapf(ErrInvalidHandler, "handler for %q is nil", name)
		}
	}
	return nil
}

func (h Handlers) clone() Handlers {
	out := make(Handlers, len(h))
	for name, fn := range h {
		out[name] = fn
	}
	return out
}

// Typed adapts a handler that takes a decoded payload of type P.
// A payload that does not decode into P fails the job.
//
// Example:
//
//	type Reminder struct {
//		Message string `bson:"message"`
//	}
//
//	handlers.Register("reminder", scheduler.Typed(func(ctx context.Context, job *scheduler.Job, r Reminder) error {
//		return notify(ctx, r.Message)
//	}))
func Typed[P any](fn func(ctx context.Context, job *Job, payload P) error) Handler {
	return func(ctx context.Context, job *Job) error {
		var payload P
		if err := job.DecodePayload(&payload); err != nil {
			return err
		}
		return fn(ctx, job, payload)
	}
}
