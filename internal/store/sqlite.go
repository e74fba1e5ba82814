package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/stitchandsole/leadsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the one-shot CLI sync, where running Postgres is overkill.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                 TEXT PRIMARY KEY,
	remote_customer_id TEXT NOT NULL,
	customer_name      TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	image_urls         TEXT NOT NULL,
	context_messages   TEXT NOT NULL,
	first_image_at     DATETIME NOT NULL,
	last_image_at      DATETIME NOT NULL,
	status             TEXT NOT NULL DEFAULT 'new',
	order_match        TEXT,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (remote_customer_id, first_image_at)
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_created_at ON leads(created_at);

CREATE TABLE IF NOT EXISTS estimations (
	id             TEXT PRIMARY KEY,
	lead_id        TEXT REFERENCES leads(id),
	phone          TEXT NOT NULL DEFAULT '',
	customer_name  TEXT NOT NULL DEFAULT '',
	item_type      TEXT NOT NULL DEFAULT '',
	services       TEXT NOT NULL,
	notes          TEXT NOT NULL DEFAULT '',
	draft_order_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_estimations_phone_created ON estimations(phone, created_at);
CREATE INDEX IF NOT EXISTS idx_estimations_lead_id ON estimations(lead_id);

CREATE TABLE IF NOT EXISTS sync_failures (
	id                 TEXT PRIMARY KEY,
	remote_customer_id TEXT NOT NULL,
	customer_name      TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL,
	error              TEXT NOT NULL,
	error_type         TEXT NOT NULL DEFAULT 'transient',
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_failures_created_at ON sync_failures(created_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertLead(ctx context.Context, lead *model.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	imagesJSON, err := json.Marshal(lead.ImageURLs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal image urls")
	}
	contextJSON, err := json.Marshal(lead.ContextMessages)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal context messages")
	}
	var matchJSON any
	if lead.Match != nil {
		b, err := json.Marshal(lead.Match)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal order match")
		}
		matchJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.RemoteCustomerID, lead.CustomerName, lead.Phone,
		string(imagesJSON), string(contextJSON), lead.FirstImageAt.UTC(), lead.LastImageAt.UTC(),
		string(lead.Status), matchJSON, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateLead
		}
		return eris.Wrapf(err, "sqlite: insert lead %s", lead.Key())
	}
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at FROM leads WHERE id = ?`,
		id,
	)
	lead, err := scanLead(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return lead, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at FROM leads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) ListLeadKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_customer_id, first_image_at FROM leads`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lead keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var customerID string
		var firstImageAt time.Time
		if err := rows.Scan(&customerID, &firstImageAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead key")
		}
		keys[model.LeadKey(customerID, firstImageAt)] = true
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list lead keys iterate")
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) AttachLeadMatch(ctx context.Context, id string, match *model.OrderMatch) error {
	matchJSON, err := json.Marshal(match)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal order match")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET order_match = ?, updated_at = ? WHERE id = ?`,
		string(matchJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: attach lead match %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteStore) InsertEstimation(ctx context.Context, est *model.Estimation) error {
	if est.ID == "" {
		est.ID = uuid.New().String()
	}
	if est.CreatedAt.IsZero() {
		est.CreatedAt = time.Now().UTC()
	}

	servicesJSON, err := json.Marshal(est.Services)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal services")
	}

	var leadID any
	if est.LeadID != "" {
		leadID = est.LeadID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO estimations (id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		est.ID, leadID, est.Phone, est.CustomerName, est.ItemType,
		string(servicesJSON), est.Notes, est.DraftOrderID, est.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert estimation")
}

func (s *SQLiteStore) GetEstimation(ctx context.Context, id string) (*model.Estimation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at FROM estimations WHERE id = ?`,
		id,
	)
	est, err := scanEstimation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get estimation %s", id)
	}
	return est, nil
}

func (s *SQLiteStore) ListEstimations(ctx context.Context, leadID string) ([]model.Estimation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at FROM estimations WHERE lead_id = ? ORDER BY created_at DESC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list estimations")
	}
	defer rows.Close()

	var ests []model.Estimation
	for rows.Next() {
		est, err := scanEstimation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan estimation")
		}
		ests = append(ests, *est)
	}
	return ests, eris.Wrap(rows.Err(), "sqlite: list estimations iterate")
}

func (s *SQLiteStore) ListEstimationPhones(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT phone FROM estimations WHERE created_at >= ? AND phone <> ''`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list estimation phones")
	}
	defer rows.Close()

	phones := make(map[string]bool)
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan estimation phone")
		}
		phones[phone] = true
	}
	return phones, eris.Wrap(rows.Err(), "sqlite: list estimation phones iterate")
}

func (s *SQLiteStore) SetEstimationDraftOrder(ctx context.Context, id, draftOrderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE estimations SET draft_order_id = ? WHERE id = ?`,
		draftOrderID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set estimation draft order %s", id)
	}
	return checkRowsAffected(res, "estimation", id)
}

func (s *SQLiteStore) InsertSyncFailure(ctx context.Context, failure *model.SyncFailure) error {
	if failure.ID == "" {
		failure.ID = uuid.New().String()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_failures (id, remote_customer_id, customer_name, phone, stage, error, error_type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		failure.ID, failure.RemoteCustomerID, failure.CustomerName, failure.Phone,
		failure.Stage, failure.Error, failure.ErrorType, failure.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert sync failure")
}

func (s *SQLiteStore) ListSyncFailures(ctx context.Context, limit int) ([]model.SyncFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_customer_id, customer_name, phone, stage, error, error_type, created_at FROM sync_failures ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync failures")
	}
	defer rows.Close()

	var failures []model.SyncFailure
	for rows.Next() {
		var f model.SyncFailure
		if err := rows.Scan(&f.ID, &f.RemoteCustomerID, &f.CustomerName, &f.Phone,
			&f.Stage, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync failure")
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "sqlite: list sync failures iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
