// Package dispatch holds one protocol dispatcher per endpoint role.
//
// A dispatcher turns one inbound frame into at most one response frame.
// Soft failures (unknown command, bad arguments) come back as an ERROR
// response with a nil error and keep the session open. A non-nil error
// closes the session: *faults.ProtocolError for framing violations, or a
// *Hangup when the protocol itself ends the conversation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// Dispatcher handles frames for one endpoint role. Safe for concurrent use.
type Dispatcher interface {
	Role() types.Role
	Handle(ctx context.Context, s *session.Session, frame []byte) (string, error)
}

// Hangup ends a session after the response (if any) is written
type Hangup struct {
	Reason session.Reason
	Detail string
}

func (h *Hangup) Error() string {
	if h.Detail == "" {
		return "hangup: " + string(h.Reason)
	}
	return "hangup: " + string(h.Reason) + ": " + h.Detail
}

// AsHangup reports whether err asks for an orderly close
func AsHangup(err error) (*Hangup, bool) {
	var h *Hangup
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}

func protocolErr(role types.Role, s *session.Session, format string, args ...any) error {
	id := ""
	if s != nil {
		id = s.ID
	}
	return &faults.ProtocolError{Role: role, SessionID: id, Err: fmt.Errorf(format, args...)}
}

// mutationReply maps a failed mutation to an ERROR response. Mutation
// failures are local to the request; the session stays open.
func mutationReply(role types.Role, s *session.Session, cmd string, err error) string {
	var sme *faults.StateMutationError
	if !errors.As(err, &sme) {
		return protocol.FormatError(err.Error())
	}
	if sme.Panic != nil {
		logging.Logf("[%s] mutation panicked (session=%s cmd=%s generation=%d panic=%v)", role, s.ID, cmd, sme.Generation, sme.Panic)
		return protocol.FormatError("internal error")
	}
	if sme.Err != nil {
		return protocol.FormatError(sme.Err.Error())
	}
	return protocol.FormatError(err.Error())
}

// common holds what every dispatcher needs
type common struct {
	store *state.Store
	now   func() time.Time
}

// Option configures a dispatcher
type Option func(*common)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *common) { c.now = now }
}

// mutate applies fn through the store unless ctx is done. The check runs
// again after fn so a dispatch that timed out while fn ran is discarded.
func (c common) mutate(ctx context.Context, fn func(*state.Txn) error) (uint64, error) {
	return c.store.Mutate(func(txn *state.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(txn); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func newCommon(store *state.Store, opts []Option) common {
	c := common{store: store, now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
