package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Role is the protocol role of a network endpoint
type Role string

const (
	RoleClientAPI    Role = "client_api"
	RolePeerGossip   Role = "peer_gossip"
	RoleAdminControl Role = "admin_control"
	RoleTelemetry    Role = "telemetry"
)

// Roles lists every role in stable order.
var Roles = []Role{RoleClientAPI, RolePeerGossip, RoleAdminControl, RoleTelemetry}

// ParseRole parses a role name (case-insensitive, '-' and '_' equivalent).
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown endpoint role %q", s)
}

// EndpointDescriptor static description of one network-facing role.
// Immutable after load.
type EndpointDescriptor struct {
	Role        Role
	BindAddress string
	Port        int
	Enabled     bool
}

// Addr returns the host:port the endpoint binds to
func (d EndpointDescriptor) Addr() string {
	return net.JoinHostPort(d.BindAddress, strconv.Itoa(d.Port))
}

func (d EndpointDescriptor) String() string {
	state := "disabled"
	if d.Enabled {
		state = "enabled"
	}
	return fmt.Sprintf("%s(%s,%s)", d.Role, d.Addr(), state)
}

// Phase lifecycle phase of the node
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}
