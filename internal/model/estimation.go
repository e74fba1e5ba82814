package model

import "time"

// Estimation is a staff-prepared service estimate for a lead. It records
// which catalog services were proposed, free-form notes, and (once pushed
// to the store) the draft order it became.
type Estimation struct {
	ID           string    `json:"id"`
	LeadID       string    `json:"lead_id"`
	Phone        string    `json:"phone"`
	CustomerName string    `json:"customer_name"`
	ItemType     string    `json:"item_type,omitempty"`
	Services     []string  `json:"services"`
	Notes        string    `json:"notes,omitempty"`
	DraftOrderID string    `json:"draft_order_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncReport summarizes one ingestion pass over the messaging channel.
type SyncReport struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}
