package models

import (
	"context"
	"time"
)

type TrackStatus string

const (
	TrackStatusGenerated    TrackStatus = "generated"
	TrackStatusUsedInMicDta TrackStatus = "used_in_micdta"
	TrackStatusCompleted    TrackStatus = "completed"
	TrackStatusError        TrackStatus = "error"
)

// TrackExpiry is how long a generated track may wait for its declaration before being reported.
const TrackExpiry = 24 * time.Hour

type Track struct {
	ID                    uint64
	TrackNumber           string
	TrackType             string
	WebserviceType        WebserviceType
	Status                TrackStatus
	TransactionID         uint64
	ShipmentID            uint64
	ConsumerTransactionID *uint64
	GeneratedAt           time.Time
	UsedAt                *time.Time
	CompletedAt           *time.Time
	ErrorMessage          *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ExpiredAt is a computed view; nothing persists the expiry.
func (t *Track) ExpiredAt(now time.Time) bool {
	return t.Status == TrackStatusGenerated && now.Sub(t.GeneratedAt) > TrackExpiry
}

// TrackWriter writes tracks. Storage hands one bound to its open database transaction to an
// AfterWrite hook so transaction and track changes commit together.
type TrackWriter interface {
	InsertTracks(ctx context.Context, items []*Track) ([]*Track, error)
	UpdateTracks(ctx context.Context, trackNumbers []string, mutate func(found []*Track) error) error
}

// AfterWrite runs after a transaction row is written and before it commits. An error rolls
// back the transaction change as well.
type AfterWrite func(ctx context.Context, t *Transaction, tracks TrackWriter) error
