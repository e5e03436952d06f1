package registry

import "time"

// Wire format of the consent registry API. Field names follow the
// registry's JSON contract, not ours.

// ConsentDateLayout is the timestamp format the registry expects for
// business consent dates.
const ConsentDateLayout = "2006-01-02 15:04:05"

// MaxBatchSize is the registry's hard cap on addMultipleConsent payloads.
const MaxBatchSize = 100

type ConsentRequest struct {
	Recipient     string `json:"recipient"`
	RecipientType string `json:"recipientType"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Source        string `json:"source,omitempty"`
	ConsentDate   string `json:"consentDate,omitempty"`
}

type AddConsentResponse struct {
	TransactionID string `json:"transactionId"`
	CreationDate  string `json:"creationDate"`
}

type BatchAccepted struct {
	RequestID string `json:"requestId"`
}

// Sub-request states reported by queryMultipleConsentRequest. Unknown
// values are surfaced verbatim and treated as "not matched" by callers.
const (
	SubStatusEnqueue = "enqueue"
	SubStatusSuccess = "success"
	SubStatusFailure = "failure"
)

type SubRequest struct {
	Index         int        `json:"index"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transactionId,omitempty"`
	CreationDate  string     `json:"creationDate,omitempty"`
	Error         *ItemError `json:"error,omitempty"`
}

type BatchStatusResponse struct {
	RequestStatus string       `json:"requestStatus,omitempty"`
	SubRequests   []SubRequest `json:"subRequests"`
}

// Enqueued reports whether the batch is still being processed and no
// sub-results are final yet.
func (r *BatchStatusResponse) Enqueued() bool {
	if r.RequestStatus == SubStatusEnqueue {
		return true
	}
	for _, sub := range r.SubRequests {
		if sub.Status == SubStatusEnqueue {
			return true
		}
	}
	return false
}

type ItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConsentQuery struct {
	Recipient     string `json:"recipient"`
	RecipientType string `json:"recipientType"`
	Type          string `json:"type"`
}

type QueryConsentResponse struct {
	Recipient     string `json:"recipient"`
	RecipientType string `json:"recipientType"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	ConsentDate   string `json:"consentDate,omitempty"`
	Source        string `json:"source,omitempty"`
}

type queryMultipleResponse struct {
	List []QueryConsentResponse `json:"list"`
}

// ParseConsentDate parses a registry consent timestamp.
func ParseConsentDate(value string) (time.Time, error) {
	return time.Parse(ConsentDateLayout, value)
}
