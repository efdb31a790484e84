package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// AdminHooks lifecycle operations the admin endpoint may trigger
type AdminHooks struct {
	Phase           func() types.Phase
	RequestShutdown func()
	SaveSnapshot    func() (generation uint64, err error)
}

// Admin serves the AdminControl endpoint
type Admin struct {
	common
	sessions *session.Registry
	gossip   *Gossip
	hooks    AdminHooks
}

func NewAdmin(store *state.Store, sessions *session.Registry, gossip *Gossip, hooks AdminHooks, opts ...Option) *Admin {
	return &Admin{common: newCommon(store, opts), sessions: sessions, gossip: gossip, hooks: hooks}
}

func (d *Admin) Role() types.Role { return types.RoleAdminControl }

func (d *Admin) Handle(ctx context.Context, s *session.Session, frame []byte) (string, error) {
	cmd, payload := protocol.SplitFrame(string(frame))
	switch cmd {
	case "":
		return "", nil
	case protocol.CmdPing:
		return protocol.FormatPong(), nil
	case protocol.CmdStatus:
		phase := types.PhaseRunning
		if d.hooks.Phase != nil {
			phase = d.hooks.Phase()
		}
		return protocol.FormatAdminStatus(phase, d.store.Generation(), d.sessions.Count()), nil
	case protocol.CmdSessions:
		return protocol.FormatSessions(d.sessions.CountByRole()), nil
	case protocol.CmdEvict:
		id := strings.TrimSpace(payload)
		if !protocol.ValidToken(id) {
			return protocol.FormatError("usage: EVICT:<peer_id>"), nil
		}
		closed, err := d.gossip.EvictPeer(ctx, id)
		if err != nil {
			if errors.Is(err, errUnknownPeer) {
				return protocol.FormatError("unknown peer " + id), nil
			}
			return mutationReply(d.Role(), s, cmd, err), nil
		}
		logging.Logf("[admin] peer evicted (peer_id=%s sessions_closed=%d remote=%s)", id, closed, s.RemoteAddr())
		return protocol.FormatOK("evicted:" + id), nil
	case protocol.CmdSave:
		if d.hooks.SaveSnapshot == nil {
			return protocol.FormatError("snapshots disabled"), nil
		}
		gen, err := d.hooks.SaveSnapshot()
		if err != nil {
			logging.Logf("[admin] snapshot failed: %v", err)
			return protocol.FormatError("snapshot failed"), nil
		}
		return protocol.FormatOK("saved:" + strconv.FormatUint(gen, 10)), nil
	case protocol.CmdShutdown:
		logging.Logf("[admin] shutdown requested (session=%s remote=%s)", s.ID, s.RemoteAddr())
		if d.hooks.RequestShutdown != nil {
			d.hooks.RequestShutdown()
		}
		return protocol.FormatOK("draining"), nil
	}
	return protocol.FormatError(fmt.Sprintf("unknown command %q", cmd)), nil
}
