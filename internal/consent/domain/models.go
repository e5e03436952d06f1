package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ConsentStatus is the business meaning of a consent event: ON grants
// permission to be contacted, RET and RED revoke it.
type ConsentStatus string

const (
	StatusOn  ConsentStatus = "ON"
	StatusRet ConsentStatus = "RET"
	StatusRed ConsentStatus = "RED"
)

// ParseConsentStatus rejects unknown wire values instead of silently
// treating them as "not matched".
func ParseConsentStatus(raw string) (ConsentStatus, error) {
	switch s := ConsentStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusOn, StatusRet, StatusRed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Revocation reports whether the status removes an existing approval.
func (s ConsentStatus) Revocation() bool {
	return s == StatusRet || s == StatusRed
}

type ConsentType string

const (
	TypeCall    ConsentType = "CALL"
	TypeMessage ConsentType = "MESSAGE"
	TypeEmail   ConsentType = "EMAIL"
)

// PhoneBased reports whether the channel is addressed by phone number and
// therefore subject to the +905 recipient format rule.
func (t ConsentType) PhoneBased() bool {
	return t == TypeCall || t == TypeMessage
}

type RecipientType string

const (
	RecipientIndividual RecipientType = "INDIVIDUAL"
	RecipientMerchant   RecipientType = "MERCHANT"
)

// SyncState is the delivery lifecycle of a record against the registry.
// OVERDUE and SUCCEEDED and FAILED are terminal; the transition table is
// the single authority on which moves are legal.
type SyncState string

const (
	StatePending       SyncState = "PENDING"
	StateAwaitingQuery SyncState = "AWAITING_QUERY"
	StateSucceeded     SyncState = "SUCCEEDED"
	StateFailed        SyncState = "FAILED"
	StateOverdue       SyncState = "OVERDUE"
)

var syncTransitions = map[SyncState][]SyncState{
	StatePending:       {StateAwaitingQuery, StateSucceeded, StateFailed, StateOverdue},
	StateAwaitingQuery: {StatePending, StateSucceeded, StateFailed},
	StateSucceeded:     {},
	StateFailed:        {},
	StateOverdue:       {},
}

func (s SyncState) CanTransition(to SyncState) bool {
	for _, next := range syncTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s SyncState) Terminal() bool {
	return len(syncTransitions[s]) == 0
}

// Skip reasons recorded when a record is retired without reaching the wire.
const (
	SkipStalePending    = "SKIP_STALE_PENDING"
	SkipRetNotApproved  = "SKIP_RET_NOT_APPROVED"
	SkipAlreadyApproved = "SKIP_ALREADY_APPROVED"
	SkipOutdatedConsent = "SKIP_OUTDATED_CONSENT"

	ReasonSuperseded = "superseded"
	ReasonExpired    = "expired"
)

// Failure reasons for records rejected before any network call.
const (
	FailDuplicateInBatch = "duplicate_in_batch"
	FailInvalidRecipient = "invalid_recipient"
	FailUnknownStatus    = "unknown_status"
)

// ConsentRecord is one consent event queued for synchronization with the
// registry.
type ConsentRecord struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID              snowflake.ID   `gorm:"not null;index" json:"tenant_id"`
	Recipient             string         `gorm:"not null" json:"-"`
	RecipientType         RecipientType  `gorm:"not null" json:"recipient_type"`
	ConsentType           ConsentType    `gorm:"not null" json:"consent_type"`
	Status                ConsentStatus  `gorm:"not null" json:"status"`
	Source                string         `gorm:"not null;default:''" json:"source"`
	ConsentDate           *time.Time     `json:"consent_date,omitempty"`
	SyncState             SyncState      `gorm:"not null;default:'PENDING'" json:"sync_state"`
	BatchID               *snowflake.ID  `json:"batch_id,omitempty"`
	ExternalTransactionID *string        `json:"external_transaction_id,omitempty"`
	IsPulled              bool           `gorm:"not null;default:false" json:"is_pulled"`
	OverdueReason         string         `gorm:"not null;default:''" json:"overdue_reason,omitempty"`
	LastError             datatypes.JSON `json:"last_error,omitempty"`
	CreatedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ConsentRecord) TableName() string { return "consent_records" }

// DedupKey identifies records that are the same consent event for batching
// purposes: same recipient, same channel (case-insensitive), same business
// timestamp truncated to the second.
func (r *ConsentRecord) DedupKey() string {
	second := int64(0)
	if r.ConsentDate != nil {
		second = r.ConsentDate.UTC().Truncate(time.Second).Unix()
	}
	return fmt.Sprintf("%s|%s|%d", r.Recipient, strings.ToUpper(string(r.ConsentType)), second)
}

// Batch is a group of up to the registry cap of records submitted in one
// asynchronous request.
type Batch struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID `gorm:"not null" json:"tenant_id"`
	ExternalRequestID *string      `json:"external_request_id,omitempty"`
	LogID             string       `gorm:"not null" json:"log_id"`
	CheckAfter        time.Time    `gorm:"not null" json:"check_after"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Batch) TableName() string { return "consent_batches" }

// RecordError is the structured failure payload persisted on a record.
type RecordError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e RecordError) JSON() datatypes.JSON {
	raw, _ := json.Marshal(e)
	return datatypes.JSON(raw)
}

// RunStats summarizes one pipeline run. Per-record business failures are
// counted, never thrown.
type RunStats struct {
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	Messages     []string `json:"messages,omitempty"`
}

func (s *RunStats) Merge(other RunStats) {
	s.SuccessCount += other.SuccessCount
	s.FailedCount += other.FailedCount
	s.Messages = append(s.Messages, other.Messages...)
}

var (
	ErrUnknownStatus = errors.New("unknown_consent_status")
	ErrNotFound      = errors.New("consent_record_not_found")
)
