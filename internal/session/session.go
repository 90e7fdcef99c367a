// Package session holds the per-conversation state of the bot. State lives
// in memory only and is lost on restart.
package session

import (
	"sync"
)

// State is the current step of a conversation.
type State int

const (
	Idle State = iota
	AwaitingAllowlistIP
	AwaitingProxyTarget
	AwaitingProxyPortSpec
	AwaitingPeerName
	AwaitingPeerIP
	AwaitingYesNo
	AwaitingChallenge
)

var stateNames = map[State]string{
	Idle:                  "idle",
	AwaitingAllowlistIP:   "awaiting_allowlist_ip",
	AwaitingProxyTarget:   "awaiting_proxy_target",
	AwaitingProxyPortSpec: "awaiting_proxy_port_spec",
	AwaitingPeerName:      "awaiting_peer_name",
	AwaitingPeerIP:        "awaiting_peer_ip",
	AwaitingYesNo:         "awaiting_yes_no",
	AwaitingChallenge:     "awaiting_challenge",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// DefaultAttempts is the total number of submissions allowed per input step.
const DefaultAttempts = 3

// Kind tags the pending action.
type Kind int

const (
	ActionNone Kind = iota
	ActionAddPeer
	ActionDeletePeer
	ActionGrantIP
	ActionRevokeIP
	ActionShowConfig
	ActionRefreshConfig
	ActionAllowGateway
	ActionAllowPBX
	ActionProxyPorts
)

var kindNames = map[Kind]string{
	ActionNone:          "none",
	ActionAddPeer:       "add_peer",
	ActionDeletePeer:    "delete_peer",
	ActionGrantIP:       "grant_ip",
	ActionRevokeIP:      "revoke_ip",
	ActionShowConfig:    "show_config",
	ActionRefreshConfig: "refresh_config",
	ActionAllowGateway:  "allow_gateway",
	ActionAllowPBX:      "allow_pbx",
	ActionProxyPorts:    "proxy_ports",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Location selects the allowlist an address is admitted to.
type Location string

const (
	LocationGateway Location = "GW"
	LocationPBX     Location = "PBX"
)

// Action is a fully specified operation. It is built once from validated
// input and then copied, never re-derived from button tokens.
type Action struct {
	Kind     Kind
	Peer     string
	IP       string
	Chainset string
	Host     string   // squid gateway for proxy-ports
	Targets  []string // ip:port pairs for proxy-ports
}

// Subject is a short description used in logs and the audit trail.
func (a Action) Subject() string {
	switch {
	case a.Peer != "" && a.IP != "":
		return a.Peer + "/" + a.IP
	case a.Peer != "":
		return a.Peer
	case a.Host != "":
		return a.Host
	default:
		return a.IP
	}
}

func (a Action) clone() Action {
	if a.Targets != nil {
		a.Targets = append([]string(nil), a.Targets...)
	}
	return a
}

// Session is the data bag of one conversation.
type Session struct {
	State    State
	Attempts int

	// Candidate is the action shown in the yes/no prompt.
	Candidate Action
	// Confirmed is written only by the yes transition and is the sole input
	// to the challenge dispatch.
	Confirmed Action

	Location  Location
	ProxyHost string
	Peer      string
}

func (s Session) clone() Session {
	s.Candidate = s.Candidate.clone()
	s.Confirmed = s.Confirmed.clone()
	return s
}

// Key identifies one conversation: a user within a chat. Two members of a
// group chat never share a session.
type Key struct {
	ChatID int64
	UserID int64
}

// Store keeps sessions by Key. Values are copied in and out, so a caller
// can never mutate stored state without calling Put.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[Key]Session)}
}

// Get returns the session for key, or a zero (Idle) session.
func (s *Store) Get(key Key) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key].clone()
}

// Put stores sess for key. Storing an Idle session with no data clears it.
func (s *Store) Put(key Key, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.State == Idle && sess.Candidate.Kind == ActionNone && sess.Confirmed.Kind == ActionNone {
		delete(s.sessions, key)
		return
	}
	s.sessions[key] = sess.clone()
}

// Clear forgets all state for key.
func (s *Store) Clear(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Len returns the number of active conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
