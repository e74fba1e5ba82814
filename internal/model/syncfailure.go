package model

import "time"

// SyncFailure is a dead-lettered sync unit: a customer whose messages could
// not be fetched or whose lead could not be written during a pass. Rows are
// kept for manual inspection; the next pass retries the customer naturally
// because dedup works off lead keys, not failures.
type SyncFailure struct {
	ID               string    `json:"id"`
	RemoteCustomerID string    `json:"remote_customer_id"`
	CustomerName     string    `json:"customer_name,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Stage            string    `json:"stage"`
	Error            string    `json:"error"`
	ErrorType        string    `json:"error_type"`
	CreatedAt        time.Time `json:"created_at"`
}
