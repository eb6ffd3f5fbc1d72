package tcprelay

import (
	"fmt"
	"sort"
)

// Token identifies one registered source for the lifetime of its registration.
type Token uint32

const (
	OutboundToken  = Token(0)
	ConsoleToken   = Token(1)
	ListenerToken  = Token(2)
	FirstPeerToken = Token(3)
)

func (t Token) String() string {
	return fmt.Sprintf("Token(%d)", uint32(t))
}

// Role is the semantic role of a registered source.
type Role int8

const (
	RoleNone = Role(iota)
	RoleOutbound
	RoleConsole
	RoleListener
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleOutbound:
		return "outbound"
	case RoleConsole:
		return "console"
	case RoleListener:
		return "listener"
	case RolePeer:
		return "peer"
	}
	return "none"
}

// Tag is the diagnostic prefix used for messages about a source of this role.
func (r Role) Tag() string {
	switch r {
	case RoleListener, RolePeer:
		return "[SERVER]"
	case RoleOutbound, RoleConsole:
		return "[CLIENT]"
	}
	return "[]"
}

// Source is a registered event source. Dispatch resolves a token to its Source
// once per event and hands the event over.
type Source interface {
	Role() Role
	Fd() int
	OnEvent(r *Reactor, ev Event) error
}

// Registry maps tokens to sources. It is owned by the reactor goroutine and is
// not safe for concurrent use.
type Registry struct {
	fixed     [FirstPeerToken]Source
	peers     map[Token]*Peer
	lastToken Token
}

func NewRegistry() *Registry {
	return &Registry{
		peers:     make(map[Token]*Peer),
		lastToken: FirstPeerToken - 1,
	}
}

// NextPeerToken issues a fresh peer token. Tokens are never reused.
func (reg *Registry) NextPeerToken() Token {
	reg.lastToken++
	return reg.lastToken
}

// SetFixed records the source of one of the fixed roles.
func (reg *Registry) SetFixed(token Token, source Source) {
	if token >= FirstPeerToken {
		panic(fmt.Sprintf("%s is not a fixed token", token))
	}
	reg.fixed[token] = source
}

// ClearFixed forgets the source of a fixed role and returns it.
func (reg *Registry) ClearFixed(token Token) Source {
	if token >= FirstPeerToken {
		return nil
	}
	source := reg.fixed[token]
	reg.fixed[token] = nil
	return source
}

func (reg *Registry) Fixed(token Token) Source {
	if token >= FirstPeerToken {
		return nil
	}
	return reg.fixed[token]
}

func (reg *Registry) InsertPeer(peer *Peer) {
	reg.peers[peer.token] = peer
}

// RemovePeer removes and returns the peer registered under token. A missing
// token is a no-op reported through the boolean.
func (reg *Registry) RemovePeer(token Token) (*Peer, bool) {
	peer, ok := reg.peers[token]
	if !ok {
		return nil, false
	}
	delete(reg.peers, token)
	return peer, true
}

func (reg *Registry) Peer(token Token) (*Peer, bool) {
	peer, ok := reg.peers[token]
	return peer, ok
}

// Lookup resolves token to its source. An unknown token is an internal
// consistency violation.
func (reg *Registry) Lookup(token Token) (Source, error) {
	if token < FirstPeerToken {
		if source := reg.fixed[token]; source != nil {
			return source, nil
		}
	} else if peer, ok := reg.peers[token]; ok {
		return peer, nil
	}
	return nil, newTokenError(ConsistencyError, RoleNone, "lookup", token, errUnknownToken)
}

// PeerTokens returns the tokens of all live peers in ascending order.
func (reg *Registry) PeerTokens() []Token {
	tokens := make([]Token, 0, len(reg.peers))
	for token := range reg.peers {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (reg *Registry) Peers() int {
	return len(reg.peers)
}

func (reg *Registry) HasListener() bool {
	return reg.fixed[ListenerToken] != nil
}

func (reg *Registry) HasOutbound() bool {
	return reg.fixed[OutboundToken] != nil
}

func (reg *Registry) HasConsole() bool {
	return reg.fixed[ConsoleToken] != nil
}
