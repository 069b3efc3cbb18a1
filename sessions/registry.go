package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-session-go/sessions/idledger"
	"github.com/google/uuid"
)

// IDGenerator produces candidate session ids.
type IDGenerator func() string

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator replaces the default uuid.NewString id source.
func WithIDGenerator(gen IDGenerator) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithLedger records every issued id in l so ids are never reused.
func WithLedger(l idledger.Ledger) RegistryOption {
	return func(r *Registry) { r.ledger = l }
}

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// Registry maps session ids to live sessions. It is safe for concurrent use.
type Registry struct {
	handler Handler
	newID   IDGenerator
	ledger  idledger.Ledger
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry whose sessions route messages to h.
func NewRegistry(h Handler, opts ...RegistryOption) *Registry {
	r := &Registry{
		handler:  h,
		newID:    uuid.NewString,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a session with a fresh id and inserts it. An id that is
// already live, or that the ledger has seen before, fails with
// ErrSessionIDCollision and nothing is inserted.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	id := r.newID()
	if id == "" {
		return nil, fmt.Errorf("%w: generator returned an empty id", ErrSessionIDCollision)
	}
	if r.ledger != nil {
		ok, err := r.ledger.Reserve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reserve session id: %w", err)
		}
		if !ok {
			r.log.ErrorContext(ctx, "session.create.collision", slog.String("session_id", id), slog.String("source", "ledger"))
			return nil, fmt.Errorf("%w: %s", ErrSessionIDCollision, id)
		}
	}

	s := newSession(id, r.handler, r.log, r.forget)

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		r.log.ErrorContext(ctx, "session.create.collision", slog.String("session_id", id), slog.String("source", "registry"))
		return nil, fmt.Errorf("%w: %s", ErrSessionIDCollision, id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", id))
	return s, nil
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Remove closes and forgets the session with the given id. Removing an
// unknown id does nothing.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session, ending their push channels, and empties
// the registry. Closing never blocks, so ctx is only used for logging.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	r.log.InfoContext(ctx, "session.close_all.ok", slog.Int("closed", len(all)))
}

// forget is the close hook of every session created by r.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}
