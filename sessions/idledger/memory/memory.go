// Package memory provides an in-process idledger.Ledger.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-session-go/sessions/idledger"
)

// Ledger is a map-backed idledger.Ledger. The zero value is ready to use.
type Ledger struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

var _ idledger.Ledger = (*Ledger)(nil)

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{ids: make(map[string]struct{})}
}

func (l *Ledger) Reserve(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, idledger.ErrEmptyID
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ids == nil {
		l.ids = make(map[string]struct{})
	}
	if _, seen := l.ids[id]; seen {
		return false, nil
	}
	l.ids[id] = struct{}{}
	return true, nil
}

// Len reports how many ids have been reserved.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}
