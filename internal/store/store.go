package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stitchandsole/leadsync/internal/model"
)

// ErrDuplicateLead is returned by InsertLead when a lead with the same
// (remote customer, first image) identity already exists. Concurrent sync
// passes race on insertion; callers treat this as a skip, not a failure.
var ErrDuplicateLead = eris.New("store: duplicate lead")

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Status model.LeadStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// Store defines persistence for the lead pipeline.
type Store interface {
	// Leads
	InsertLead(ctx context.Context, lead *model.Lead) error
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	// ListLeadKeys returns every stored lead identity, the dedup snapshot a
	// sync pass reads before inserting anything.
	ListLeadKeys(ctx context.Context) (map[string]bool, error)
	UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error
	AttachLeadMatch(ctx context.Context, id string, match *model.OrderMatch) error

	// Estimations
	InsertEstimation(ctx context.Context, est *model.Estimation) error
	GetEstimation(ctx context.Context, id string) (*model.Estimation, error)
	ListEstimations(ctx context.Context, leadID string) ([]model.Estimation, error)
	// ListEstimationPhones returns the normalized phones estimated since the
	// given time, another of the sync pass's dedup snapshots.
	ListEstimationPhones(ctx context.Context, since time.Time) (map[string]bool, error)
	SetEstimationDraftOrder(ctx context.Context, id, draftOrderID string) error

	// Sync dead letters
	InsertSyncFailure(ctx context.Context, failure *model.SyncFailure) error
	ListSyncFailures(ctx context.Context, limit int) ([]model.SyncFailure, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
