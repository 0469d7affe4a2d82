package messages

import (
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
)

const TopicTransactionUpdated = "customs.transaction.updated"

// TransactionUpdated is published after every committed transaction state change.
type TransactionUpdated struct {
	EventID        string    `json:"event_id"`
	TransactionID  uint64    `json:"transaction_id"`
	CompanyID      uint64    `json:"company_id"`
	SubjectKind    string    `json:"subject_kind"`
	SubjectID      uint64    `json:"subject_id"`
	WebserviceType string    `json:"webservice_type"`
	Country        string    `json:"country"`
	Status         string    `json:"status"`
	RetryCount     int32     `json:"retry_count"`
	MaxRetries     int32     `json:"max_retries"`
	OccurredAt     time.Time `json:"occurred_at"`

	ConfirmationNumber *string `json:"confirmation_number,omitempty"`
	ErrorCode          *string `json:"error_code,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

func NewTransactionUpdated(eventID string, t *models.Transaction) TransactionUpdated {
	return TransactionUpdated{
		EventID:            eventID,
		TransactionID:      t.ID,
		CompanyID:          t.CompanyID,
		SubjectKind:        string(t.SubjectKind),
		SubjectID:          t.SubjectID,
		WebserviceType:     string(t.WebserviceType),
		Country:            t.Country,
		Status:             string(t.Status),
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		OccurredAt:         t.UpdatedAt.UTC(),
		ConfirmationNumber: t.ConfirmationNumber,
		ErrorCode:          t.ErrorCode,
		ErrorMessage:       t.ErrorMessage,
	}
}

// IsVoyage reports whether the event changes a voyage webservice status.
func (m TransactionUpdated) IsVoyage() bool {
	return m.SubjectKind == string(models.SubjectVoyage)
}
