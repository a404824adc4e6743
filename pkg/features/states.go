package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

type namedHook struct {
	name string
	hook Hook
}

// States runs the hooks resolved for one task run
type States struct {
	hooks []namedHook
}

// NewStates builds States from hooks in the given order, named by position
func NewStates(hooks ...Hook) *States {
	s := &States{}
	for i, h := range hooks {
		s.hooks = append(s.hooks, namedHook{name: fmt.Sprintf("hook-%d", i), hook: h})
	}
	return s
}

// Names returns the hook names in invocation order
func (s *States) Names() []string {
	names := make([]string, 0, len(s.hooks))
	for _, h := range s.hooks {
		names = append(names, h.name)
	}
	return names
}

// Link collects links from every hook, stopping at the first failure
func (s *States) Link(ctx context.Context, t Task) ([]types.Link, error) {
	var links []types.Link
	for _, h := range s.hooks {
		l, err := h.hook.Link(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("feature %s failed in link: %w", h.name, err)
		}
		links = append(links, l...)
	}
	return links, nil
}

// Created runs every Created hook, stopping at the first failure
func (s *States) Created(ctx context.Context, t Task) error {
	for _, h := range s.hooks {
		if err := h.hook.Created(ctx, t); err != nil {
			return fmt.Errorf("feature %s failed in created: %w", h.name, err)
		}
	}
	return nil
}

// Stopped runs every Stopped hook, stopping at the first failure
func (s *States) Stopped(ctx context.Context, t Task) error {
	for _, h := range s.hooks {
		if err := h.hook.Stopped(ctx, t); err != nil {
			return fmt.Errorf("feature %s failed in stopped: %w", h.name, err)
		}
	}
	return nil
}

// Killed runs the Killed hook of every hook whatever happens to the others
func (s *States) Killed(ctx context.Context, t Task) error {
	var errs []error
	for _, h := range s.hooks {
		if err := h.hook.Killed(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("feature %s failed in killed: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
