// Package idledger records every session id a server has handed out so that
// an id is never issued twice, even after the session it named is gone.
//
// A Ledger stores ids only. It carries no session state, so sessions still
// die with the process that created them.
//
// Implementations
//
//	memory : map-backed, ids are remembered for the life of the process
//	redis  : SETNX-backed, ids are remembered across restarts (optionally with a TTL)
package idledger

import (
	"context"
	"errors"
)

// ErrEmptyID is returned by Reserve when given an empty id.
var ErrEmptyID = errors.New("idledger: empty id")

// Ledger reserves session ids.
type Ledger interface {
	// Reserve atomically claims id. It reports false, with a nil error, when
	// the id was claimed before.
	Reserve(ctx context.Context, id string) (bool, error)
}
