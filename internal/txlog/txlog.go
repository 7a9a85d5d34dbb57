// Package txlog records the phases of transactional moves so an interrupted
// move can be rolled back or forward after a restart.
package txlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

type Phase string

const (
	// PhasePrepared: the source is locked, the destination copy may or may
	// not exist. Recovery rolls back.
	PhasePrepared Phase = "prepared"
	// PhaseStaged: the destination copy exists in staged state. Recovery
	// rolls forward.
	PhaseStaged Phase = "staged"
)

var ErrEntryNotFound = errors.New("move log entry not found")

type Entry struct {
	ID               string
	SourceQueue      string
	SourceDeadLetter bool
	SourceSeq        int64
	SourceMessageID  string
	SourceLockToken  string
	DestQueue        string
	DestSeq          int64
	BodyHash         string
	Phase            Phase
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Log is a write-ahead log of unfinished moves. Finished moves are removed.
type Log interface {
	Begin(ctx context.Context, e Entry) error
	Advance(ctx context.Context, id string, phase Phase, destSeq int64) error
	Finish(ctx context.Context, id string) error
	// Pending returns unfinished entries, oldest first.
	Pending(ctx context.Context) ([]Entry, error)
	Close() error
}

func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
