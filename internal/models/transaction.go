package models

import "time"

// TransactionStatus is shared by webservice transactions and voyage webservice statuses.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSent      TransactionStatus = "sent"
	StatusApproved  TransactionStatus = "approved"
	StatusRejected  TransactionStatus = "rejected"
	StatusError     TransactionStatus = "error"
	StatusRetry     TransactionStatus = "retry"
	StatusCancelled TransactionStatus = "cancelled"
	StatusExpired   TransactionStatus = "expired"
)

func AllTransactionStatuses() []TransactionStatus {
	return []TransactionStatus{
		StatusPending, StatusSent, StatusApproved, StatusRejected,
		StatusError, StatusRetry, StatusCancelled, StatusExpired,
	}
}

func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Sendable is the can_send rule of voyage webservice statuses.
func (s TransactionStatus) Sendable() bool {
	return s == StatusPending || s == StatusError
}

const DefaultMaxRetries = 3

type SubjectKind string

const (
	SubjectVoyage   SubjectKind = "voyage"
	SubjectShipment SubjectKind = "shipment"
)

type Transaction struct {
	ID                 uint64
	CompanyID          uint64
	SubjectKind        SubjectKind
	SubjectID          uint64
	WebserviceType     WebserviceType
	Country            string
	Environment        Environment
	Status             TransactionStatus
	RetryCount         int32
	MaxRetries         int32
	ConfirmationNumber *string
	ExternalReference  string
	Payload            []byte
	SentAt             *time.Time
	ResponseAt         *time.Time
	NextAttemptAt      *time.Time
	ErrorCode          *string
	ErrorMessage       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (t *Transaction) CanRetry() bool {
	return (t.Status == StatusError || t.Status == StatusRetry) && t.RetryCount < t.MaxRetries
}

type VoyageWebserviceStatus struct {
	ID                   uint64
	VoyageID             uint64
	Country              string
	WebserviceType       WebserviceType
	Status               TransactionStatus
	CanSend              bool
	IsRequired           bool
	RetryCount           int32
	MaxRetries           int32
	LastTransactionID    *uint64
	ConfirmationNumber   *string
	ExternalVoyageNumber *string
	FirstSentAt          *time.Time
	LastSentAt           *time.Time
	ApprovedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// LegacyVoyageStatus is the pre-split single-status-per-country record, read only by backfills.
type LegacyVoyageStatus struct {
	VoyageID           uint64
	Country            string
	Status             TransactionStatus
	ConfirmationNumber *string
	SentAt             *time.Time
}

type TransactionStatsFilter struct {
	CompanyID uint64
	Since     time.Time
}

type TransactionStats struct {
	Total            int64
	ByStatus         map[TransactionStatus]int64
	ByWebserviceType map[WebserviceType]int64
}
