package model

import "time"

// LeadStatus represents the lifecycle state of a captured lead.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusQuoted    LeadStatus = "quoted"
	LeadStatusDismissed LeadStatus = "dismissed"
	LeadStatusConverted LeadStatus = "converted"
)

// Lead is one customer submission captured from the messaging channel:
// a burst of item photos plus the conversation around them.
type Lead struct {
	ID               string      `json:"id"`
	RemoteCustomerID string      `json:"remote_customer_id"`
	CustomerName     string      `json:"customer_name"`
	Phone            string      `json:"phone"`
	ImageURLs        []string    `json:"image_urls"`
	ContextMessages  []string    `json:"context_messages,omitempty"`
	FirstImageAt     time.Time   `json:"first_image_at"`
	LastImageAt      time.Time   `json:"last_image_at"`
	Status           LeadStatus  `json:"status"`
	Match            *OrderMatch `json:"match,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Key returns the natural identity of the lead. Two ingestion passes that
// see the same submission produce the same key, which is what the store's
// uniqueness constraint and the in-memory dedup set both hang off.
func (l *Lead) Key() string {
	return LeadKey(l.RemoteCustomerID, l.FirstImageAt)
}

// LeadKey builds the dedup key for a submission: the remote customer ID
// joined with the UTC RFC 3339 timestamp of the submission's first image.
// Every component that compares lead identities goes through this function
// so the timestamp rendering can never drift between them.
func LeadKey(remoteCustomerID string, firstImageAt time.Time) string {
	return remoteCustomerID + "|" + firstImageAt.UTC().Format(time.RFC3339)
}
