package mcp

import (
	"sync"

	"github.com/fenwick-labs/mcprt/mcperr"
)

// sessionState tracks the handshake and subscription bookkeeping shared
// by Client and Server: whether initialize has completed, which
// capabilities both sides actually agreed on, and who is listening for
// resource update notifications. It has no transport or Conn
// dependency so it can be exercised directly in tests.
type sessionState struct {
	mu sync.RWMutex

	initialized     bool
	protocolVersion string
	local           Capabilities
	negotiated      Capabilities

	resources *ResourceBus
}

func newSessionState(local Capabilities) *sessionState {
	return &sessionState{
		local:     local,
		resources: NewResourceBus(),
	}
}

// negotiateVersion picks the highest protocol version both this module
// and the peer's requested version can speak. MCP negotiation is
// single-shot: the peer proposes one version and the receiver either
// accepts it (if supported) or offers its own preferred version back.
func negotiateVersion(requested string) (string, bool) {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v, true
		}
	}
	return ProtocolVersion, false
}

// completeHandshake records the negotiated capability set once
// initialize has been answered (client side) or the initialize request
// has been handled (server side).
func (s *sessionState) completeHandshake(version string, peer Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.negotiated = negotiate(s.local, peer)
	s.initialized = true
}

func (s *sessionState) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *sessionState) capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiated
}

// requireInitialized enforces the pre-init gate: every method
// except initialize and ping must be rejected with ServerNotInitialized
// until the handshake has completed.
func (s *sessionState) requireInitialized(method string) error {
	if method == MethodInitialize || method == MethodPing {
		return nil
	}
	if !s.isInitialized() {
		return mcperr.NewRPCError(mcperr.CodeServerNotInit, "server not initialized")
	}
	return nil
}

// ResourceUpdate is delivered to subscribers of a resource URI when the
// peer publishes notifications/resources/updated for it.
type ResourceUpdate struct {
	URI string
}

// ResourceBus fans out resource-update notifications to local
// subscribers, split per-URI so a busy resource can't starve unrelated
// subscribers sharing one channel.
type ResourceBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan ResourceUpdate]struct{}
}

// NewResourceBus creates an empty bus.
func NewResourceBus() *ResourceBus {
	return &ResourceBus{subs: make(map[string]map[chan ResourceUpdate]struct{})}
}

// Subscribe registers a new listener for uri. The caller must
// Unsubscribe with the same channel to release it.
func (b *ResourceBus) Subscribe(uri string) chan ResourceUpdate {
	ch := make(chan ResourceUpdate, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[uri] == nil {
		b.subs[uri] = make(map[chan ResourceUpdate]struct{})
	}
	b.subs[uri][ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch from uri's listener set and closes it.
func (b *ResourceBus) Unsubscribe(uri string, ch chan ResourceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[uri]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(b.subs, uri)
		}
	}
}

// Publish notifies every current subscriber of uri without blocking; a
// subscriber whose channel is full misses the update rather than
// stalling the notification dispatch goroutine.
func (b *ResourceBus) Publish(uri string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[uri] {
		select {
		case ch <- ResourceUpdate{URI: uri}:
		default:
		}
	}
}

// HasSubscribers reports whether uri currently has any listener, used
// server-side to decide whether a resources/updated notification is
// worth sending at all.
func (b *ResourceBus) HasSubscribers(uri string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[uri]) > 0
}
