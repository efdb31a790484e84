// Package protocol implements the newline-framed text protocol spoken on
// the ClientAPI, PeerGossip and AdminControl endpoints.
//
// A frame is one line: CMD[:payload]. Responses are OK[:...], ERROR:msg
// or a command-specific reply.
package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/nodecore/pkg/types"
)

const (
	CmdOK    = "OK"
	CmdError = "ERROR"

	// ClientAPI
	CmdPing     = "PING"
	CmdPong     = "PONG"
	CmdStatus   = "STATUS"
	CmdPeers    = "PEERS"
	CmdCounter  = "COUNTER"
	CmdCounters = "COUNTERS"
	CmdIncr     = "INCR"

	// PeerGossip
	CmdHello      = "HELLO"
	CmdWelcome    = "WELCOME"
	CmdHeartbeat  = "HEARTBEAT"
	CmdPeerJoined = "PEER_JOINED"
	CmdPeerError  = "PEER_ERROR"

	// AdminControl
	CmdSessions = "SESSIONS"
	CmdEvict    = "EVICT"
	CmdSave     = "SAVE"
	CmdShutdown = "SHUTDOWN"
)

func TrimLine(line string) string {
	return strings.TrimSpace(line)
}

// SplitFrame splits a frame into its command and payload.
// The command is upper-cased; the payload is everything after the first ':'.
func SplitFrame(line string) (cmd, payload string) {
	line = TrimLine(line)
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		return strings.ToUpper(line[:idx]), line[idx+1:]
	}
	return strings.ToUpper(line), ""
}

// ValidToken reports whether s can be used as an id or counter name on the
// wire: non-empty, at most 128 bytes, no separators or whitespace.
func ValidToken(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, ":,|= \t\r\n")
}

func FormatOK(detail string) string {
	if detail == "" {
		return CmdOK + "\n"
	}
	return CmdOK + ":" + detail + "\n"
}

func FormatError(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return CmdError + ":" + msg + "\n"
}

// ParseErrorLine parses an ERROR reply
func ParseErrorLine(line string) (msg string, ok bool) {
	cmd, payload := SplitFrame(line)
	if cmd != CmdError {
		return "", false
	}
	return payload, true
}

func FormatPong() string { return CmdPong + "\n" }

// FormatClientStatus formats the ClientAPI status reply
// Format: STATUS:node_id:generation:peers:active
func FormatClientStatus(nodeID string, gen uint64, peers, active int) string {
	return CmdStatus + ":" + nodeID + ":" + strconv.FormatUint(gen, 10) + ":" +
		strconv.Itoa(peers) + ":" + strconv.Itoa(active) + "\n"
}

// ParseClientStatusLine parses a ClientAPI status reply
func ParseClientStatusLine(line string) (nodeID string, gen uint64, peers, active int, ok bool) {
	cmd, payload := SplitFrame(line)
	if cmd != CmdStatus {
		return "", 0, 0, 0, false
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 4 {
		return "", 0, 0, 0, false
	}
	var err error
	if gen, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return "", 0, 0, 0, false
	}
	if peers, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, 0, false
	}
	if active, err = strconv.Atoi(parts[3]); err != nil {
		return "", 0, 0, 0, false
	}
	return parts[0], gen, peers, active, true
}

// FormatAdminStatus formats the AdminControl status reply
// Format: STATUS:phase:generation:sessions
func FormatAdminStatus(phase types.Phase, gen uint64, sessions int) string {
	return CmdStatus + ":" + phase.String() + ":" + strconv.FormatUint(gen, 10) + ":" + strconv.Itoa(sessions) + "\n"
}

// FormatCounter formats COUNTER:name:value
func FormatCounter(name string, v int64) string {
	return CmdCounter + ":" + name + ":" + strconv.FormatInt(v, 10) + "\n"
}

// ParseCounterLine parses COUNTER:name:value
func ParseCounterLine(line string) (name string, v int64, ok bool) {
	cmd, payload := SplitFrame(line)
	if cmd != CmdCounter {
		return "", 0, false
	}
	idx := strings.LastIndexByte(payload, ':')
	if idx <= 0 {
		return "", 0, false
	}
	v, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return payload[:idx], v, true
}

// FormatCounters formats COUNTERS:name=value,... in the given order
func FormatCounters(names []string, values map[string]int64) string {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strconv.FormatInt(values[name], 10))
	}
	return CmdCounters + ":" + strings.Join(parts, ",") + "\n"
}

// ParseIncrPayload parses the payload of INCR:name:delta
func ParseIncrPayload(payload string) (name string, delta int64, ok bool) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		return "", 0, false
	}
	name = strings.TrimSpace(parts[0])
	delta, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || !ValidToken(name) {
		return "", 0, false
	}
	return name, delta, true
}

func FormatIncr(name string, delta int64) string {
	return CmdIncr + ":" + name + ":" + strconv.FormatInt(delta, 10) + "\n"
}

// FormatPeers formats PEERS:id|addr|status|unix,...
func FormatPeers(peers []types.PeerRecord) string {
	parts := make([]string, 0, len(peers))
	for _, p := range peers {
		parts = append(parts, p.ID+"|"+p.Address+"|"+string(p.Status)+"|"+strconv.FormatInt(p.LastSeen.Unix(), 10))
	}
	return CmdPeers + ":" + strings.Join(parts, ",") + "\n"
}

// ParsePeersLine parses a PEERS reply. Malformed items are skipped.
func ParsePeersLine(line string) (peers []types.PeerRecord, ok bool) {
	cmd, payload := SplitFrame(line)
	if cmd != CmdPeers {
		return nil, false
	}
	return ParsePeersPayload(payload), true
}

// ParsePeersPayload parses the item list of a PEERS reply
func ParsePeersPayload(payload string) []types.PeerRecord {
	items := strings.Split(payload, ",")
	peers := make([]types.PeerRecord, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		f := strings.Split(item, "|")
		if len(f) != 4 || !ValidToken(f[0]) {
			// malformed
			continue
		}
		status, err := types.ParsePeerStatus(f[2])
		if err != nil {
			continue
		}
		unix, err := strconv.ParseInt(f[3], 10, 64)
		if err != nil {
			continue
		}
		peers = append(peers, types.PeerRecord{
			ID:       f[0],
			Address:  f[1],
			Status:   status,
			LastSeen: time.Unix(unix, 0),
		})
	}
	return peers
}

// FormatHello formats HELLO:peer_id:addr
func FormatHello(peerID, addr string) string {
	return CmdHello + ":" + peerID + ":" + addr + "\n"
}

// ParseIDAddrPayload parses "id:addr" payloads (HELLO, WELCOME, PEER_JOINED).
// The address may itself contain ':' (host:port, IPv6).
func ParseIDAddrPayload(payload string) (id, addr string, ok bool) {
	idx := strings.IndexByte(payload, ':')
	if idx == -1 {
		id = strings.TrimSpace(payload)
		return id, "", ValidToken(id)
	}
	id = strings.TrimSpace(payload[:idx])
	addr = strings.TrimSpace(payload[idx+1:])
	return id, addr, ValidToken(id)
}

// FormatWelcome formats WELCOME:node_id:addr
func FormatWelcome(nodeID, addr string) string {
	return CmdWelcome + ":" + nodeID + ":" + addr + "\n"
}

// FormatPeerJoined formats PEER_JOINED:peer_id:addr
func FormatPeerJoined(peerID, addr string) string {
	return CmdPeerJoined + ":" + peerID + ":" + addr + "\n"
}

// FormatHeartbeat formats HEARTBEAT:peer_id
func FormatHeartbeat(peerID string) string {
	return CmdHeartbeat + ":" + peerID + "\n"
}

// FormatPeerError formats PEER_ERROR:code:message
func FormatPeerError(code int, msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return CmdPeerError + ":" + strconv.Itoa(code) + ":" + msg + "\n"
}

// ParsePeerErrorPayload parses the payload of PEER_ERROR:code:message
func ParsePeerErrorPayload(payload string) (code int, msg string, ok bool) {
	codeStr, msg, _ := strings.Cut(payload, ":")
	code, err := strconv.Atoi(strings.TrimSpace(codeStr))
	if err != nil {
		return 0, "", false
	}
	return code, strings.TrimSpace(msg), true
}

// FormatSessions formats SESSIONS:role=n,... in role order
func FormatSessions(counts map[types.Role]int) string {
	parts := make([]string, 0, len(types.Roles))
	for _, r := range types.Roles {
		parts = append(parts, string(r)+"="+strconv.Itoa(counts[r]))
	}
	return CmdSessions + ":" + strings.Join(parts, ",") + "\n"
}
