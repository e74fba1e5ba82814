package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/stitchandsole/leadsync/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock implements it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot sync-pass operations.
var preparedStatements = map[string]string{
	"insert_lead":         `INSERT INTO leads (id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	"get_lead":            `SELECT id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at FROM leads WHERE id = $1`,
	"list_lead_keys":      `SELECT remote_customer_id, first_image_at FROM leads`,
	"update_lead_status":  `UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`,
	"insert_estimation":   `INSERT INTO estimations (id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"estimation_phones":   `SELECT DISTINCT phone FROM estimations WHERE created_at >= $1 AND phone <> ''`,
	"insert_sync_failure": `INSERT INTO sync_failures (id, remote_customer_id, customer_name, phone, stage, error, error_type, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                 TEXT PRIMARY KEY,
	remote_customer_id TEXT NOT NULL,
	customer_name      TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	image_urls         JSONB NOT NULL,
	context_messages   JSONB NOT NULL,
	first_image_at     TIMESTAMPTZ NOT NULL,
	last_image_at      TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL DEFAULT 'new',
	order_match        JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (remote_customer_id, first_image_at)
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_created_at ON leads(created_at DESC);

CREATE TABLE IF NOT EXISTS estimations (
	id             TEXT PRIMARY KEY,
	lead_id        TEXT REFERENCES leads(id),
	phone          TEXT NOT NULL DEFAULT '',
	customer_name  TEXT NOT NULL DEFAULT '',
	item_type      TEXT NOT NULL DEFAULT '',
	services       JSONB NOT NULL,
	notes          TEXT NOT NULL DEFAULT '',
	draft_order_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_estimations_phone_created ON estimations(phone, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_estimations_lead_id ON estimations(lead_id);

CREATE TABLE IF NOT EXISTS sync_failures (
	id                 TEXT PRIMARY KEY,
	remote_customer_id TEXT NOT NULL,
	customer_name      TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL,
	error              TEXT NOT NULL,
	error_type         TEXT NOT NULL DEFAULT 'transient',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sync_failures_created_at ON sync_failures(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertLead(ctx context.Context, lead *model.Lead) error {
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
		return eris.Wrap(err, "postgres: marshal image urls")
	}
	contextJSON, err := json.Marshal(lead.ContextMessages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal context messages")
	}
	var matchJSON []byte
	if lead.Match != nil {
		if matchJSON, err = json.Marshal(lead.Match); err != nil {
			return eris.Wrap(err, "postgres: marshal order match")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO leads (id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		lead.ID, lead.RemoteCustomerID, lead.CustomerName, lead.Phone,
		imagesJSON, contextJSON, lead.FirstImageAt.UTC(), lead.LastImageAt.UTC(),
		string(lead.Status), matchJSON, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateLead
		}
		return eris.Wrapf(err, "postgres: insert lead %s", lead.Key())
	}
	return nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at FROM leads WHERE id = $1`,
		id,
	)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return lead, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT id, remote_customer_id, customer_name, phone, image_urls, context_messages, first_image_at, last_image_at, status, order_match, created_at, updated_at FROM leads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) ListLeadKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT remote_customer_id, first_image_at FROM leads`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lead keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var customerID string
		var firstImageAt time.Time
		if err := rows.Scan(&customerID, &firstImageAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead key")
		}
		keys[model.LeadKey(customerID, firstImageAt)] = true
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list lead keys iterate")
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) AttachLeadMatch(ctx context.Context, id string, match *model.OrderMatch) error {
	matchJSON, err := json.Marshal(match)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal order match")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET order_match = $1, updated_at = $2 WHERE id = $3`,
		matchJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: attach lead match %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) InsertEstimation(ctx context.Context, est *model.Estimation) error {
	if est.ID == "" {
		est.ID = uuid.New().String()
	}
	if est.CreatedAt.IsZero() {
		est.CreatedAt = time.Now().UTC()
	}

	servicesJSON, err := json.Marshal(est.Services)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal services")
	}

	var leadID *string
	if est.LeadID != "" {
		leadID = &est.LeadID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO estimations (id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		est.ID, leadID, est.Phone, est.CustomerName, est.ItemType,
		servicesJSON, est.Notes, est.DraftOrderID, est.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert estimation")
}

func (s *PostgresStore) GetEstimation(ctx context.Context, id string) (*model.Estimation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at FROM estimations WHERE id = $1`,
		id,
	)
	est, err := scanEstimation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get estimation %s", id)
	}
	return est, nil
}

func (s *PostgresStore) ListEstimations(ctx context.Context, leadID string) ([]model.Estimation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, phone, customer_name, item_type, services, notes, draft_order_id, created_at FROM estimations WHERE lead_id = $1 ORDER BY created_at DESC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list estimations")
	}
	defer rows.Close()

	var ests []model.Estimation
	for rows.Next() {
		est, err := scanEstimation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan estimation")
		}
		ests = append(ests, *est)
	}
	return ests, eris.Wrap(rows.Err(), "postgres: list estimations iterate")
}

func (s *PostgresStore) ListEstimationPhones(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT phone FROM estimations WHERE created_at >= $1 AND phone <> ''`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list estimation phones")
	}
	defer rows.Close()

	phones := make(map[string]bool)
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, eris.Wrap(err, "postgres: scan estimation phone")
		}
		phones[phone] = true
	}
	return phones, eris.Wrap(rows.Err(), "postgres: list estimation phones iterate")
}

func (s *PostgresStore) SetEstimationDraftOrder(ctx context.Context, id, draftOrderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE estimations SET draft_order_id = $1 WHERE id = $2`,
		draftOrderID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set estimation draft order %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("estimation not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) InsertSyncFailure(ctx context.Context, failure *model.SyncFailure) error {
	if failure.ID == "" {
		failure.ID = uuid.New().String()
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_failures (id, remote_customer_id, customer_name, phone, stage, error, error_type, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		failure.ID, failure.RemoteCustomerID, failure.CustomerName, failure.Phone,
		failure.Stage, failure.Error, failure.ErrorType, failure.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert sync failure")
}

func (s *PostgresStore) ListSyncFailures(ctx context.Context, limit int) ([]model.SyncFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, remote_customer_id, customer_name, phone, stage, error, error_type, created_at FROM sync_failures ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync failures")
	}
	defer rows.Close()

	var failures []model.SyncFailure
	for rows.Next() {
		var f model.SyncFailure
		if err := rows.Scan(&f.ID, &f.RemoteCustomerID, &f.CustomerName, &f.Phone,
			&f.Stage, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync failure")
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "postgres: list sync failures iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var imagesJSON, contextJSON []byte
	var matchNull *[]byte
	var status string

	err := row.Scan(&l.ID, &l.RemoteCustomerID, &l.CustomerName, &l.Phone,
		&imagesJSON, &contextJSON, &l.FirstImageAt, &l.LastImageAt,
		&status, &matchNull, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = model.LeadStatus(status)

	if err := json.Unmarshal(imagesJSON, &l.ImageURLs); err != nil {
		return nil, eris.Wrap(err, "unmarshal image urls")
	}
	if err := json.Unmarshal(contextJSON, &l.ContextMessages); err != nil {
		return nil, eris.Wrap(err, "unmarshal context messages")
	}
	if matchNull != nil {
		l.Match = &model.OrderMatch{}
		if err := json.Unmarshal(*matchNull, l.Match); err != nil {
			return nil, eris.Wrap(err, "unmarshal order match")
		}
	}
	return &l, nil
}

func scanEstimation(row scannable) (*model.Estimation, error) {
	var e model.Estimation
	var servicesJSON []byte
	var leadID *string

	err := row.Scan(&e.ID, &leadID, &e.Phone, &e.CustomerName, &e.ItemType,
		&servicesJSON, &e.Notes, &e.DraftOrderID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if leadID != nil {
		e.LeadID = *leadID
	}
	if err := json.Unmarshal(servicesJSON, &e.Services); err != nil {
		return nil, eris.Wrap(err, "unmarshal services")
	}
	return &e, nil
}
