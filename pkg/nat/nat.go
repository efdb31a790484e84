// Package nat discovers the node's public address with STUN so it can be
// advertised to peers.
package nat

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	TypeUnknown          = "unknown"
	TypeSymmetric        = "symmetric"
	TypeConeOrRestricted = "cone_or_restricted"
)

// Result of a STUN probe
type Result struct {
	Mapped  string // public ip:port of the probe socket
	NATType string
	Servers int // servers that answered
}

// PublicIP returns the host part of the mapped address
func (r Result) PublicIP() string {
	host, _, err := net.SplitHostPort(r.Mapped)
	if err != nil {
		return ""
	}
	return host
}

// AdvertiseAddr combines the public IP with the local gossip port. This is
// only reachable when the gossip port is forwarded or the NAT is a cone.
func (r Result) AdvertiseAddr(gossipPort int) string {
	ip := r.PublicIP()
	if ip == "" || gossipPort <= 0 {
		return ""
	}
	return net.JoinHostPort(ip, strconv.Itoa(gossipPort))
}

// Probe queries every server for the mapped address of one UDP socket per
// server. The mapped address belongs to the STUN socket, not the gossip
// listener.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: TypeUnknown}, fmt.Errorf("no STUN servers provided")
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("stun %s: %w", server, err)
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Result{NATType: TypeUnknown}, lastErr
	}
	return Result{Mapped: mapped[0], NATType: Classify(mapped), Servers: len(mapped)}, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return TypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return TypeSymmetric
		}
	}
	return TypeConeOrRestricted
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				done <- answer{err: res.Error}
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: addr.String()}
		})
		if err != nil {
			select {
			case done <- answer{err: err}:
			default:
			}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
