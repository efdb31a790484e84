// Package faults defines the error taxonomy shared by the node core.
//
// Each fault is a struct error carrying the context needed to report it
// (role, session, address) and wrapping its cause. Use errors.As to
// recover the concrete type, or KindOf to classify any error.
package faults

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nodecore/pkg/types"
)

// Kind classifies a fault.
type Kind string

const (
	KindBind          Kind = "bind"
	KindProtocol      Kind = "protocol"
	KindStateMutation Kind = "state_mutation"
	KindForced        Kind = "forced_termination"
	KindConsoleRender Kind = "console_render"
	KindUnknown       Kind = "unknown"
)

// BindFailure an enabled endpoint could not be bound. Fatal to startup.
type BindFailure struct {
	Role types.Role
	Addr string
	Err  error
}

func (e *BindFailure) Error() string {
	return fmt.Sprintf("bind %s on %s: %v", e.Role, e.Addr, e.Err)
}

func (e *BindFailure) Unwrap() error { return e.Err }

// ProtocolError a session sent something its dispatcher could not accept.
// Closes only that session.
type ProtocolError struct {
	Role      types.Role
	SessionID string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s protocol error: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("%s protocol error (session=%s): %v", e.Role, e.SessionID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateMutationError a state transformation failed or panicked; the
// attempted mutation was discarded and the prior generation kept.
type StateMutationError struct {
	Generation uint64
	Err        error
	Panic      any
}

func (e *StateMutationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("state mutation panicked at generation %d: %v", e.Generation, e.Panic)
	}
	return fmt.Sprintf("state mutation discarded at generation %d: %v", e.Generation, e.Err)
}

func (e *StateMutationError) Unwrap() error { return e.Err }

// ForcedTermination a session still open at the drain deadline.
type ForcedTermination struct {
	Role      types.Role
	SessionID string
	Remote    string
}

func (e *ForcedTermination) Error() string {
	return fmt.Sprintf("session %s (%s remote=%s) forcibly terminated at drain deadline", e.SessionID, e.Role, e.Remote)
}

// ConsoleRenderError isolated to the console feed.
type ConsoleRenderError struct {
	Generation uint64
	Err        error
}

func (e *ConsoleRenderError) Error() string {
	return fmt.Sprintf("console render (generation %d): %v", e.Generation, e.Err)
}

func (e *ConsoleRenderError) Unwrap() error { return e.Err }

// StartupError reports every endpoint that failed to bind.
type StartupError struct {
	Failures []*BindFailure
}

func (e *StartupError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "startup aborted: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual bind failures to errors.As.
func (e *StartupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// KindOf classifies err by the first fault found in its chain.
func KindOf(err error) Kind {
	var (
		bf *BindFailure
		pe *ProtocolError
		se *StateMutationError
		ft *ForcedTermination
		ce *ConsoleRenderError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &bf):
		return KindBind
	case errors.As(err, &pe):
		return KindProtocol
	case errors.As(err, &se):
		return KindStateMutation
	case errors.As(err, &ft):
		return KindForced
	case errors.As(err, &ce):
		return KindConsoleRender
	}
	return KindUnknown
}
