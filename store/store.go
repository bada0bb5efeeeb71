// Package store implements the Registry Store: a persistent mapping
// from registration id to ServerRecord, backed by SQLite via sqlx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
	"github.com/oslab-infra/multiverse-gateway/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS model_servers (
	registration_id      TEXT PRIMARY KEY,
	model_name           TEXT NOT NULL,
	endpoint_url         TEXT NOT NULL,
	endpoint_normalized  TEXT NOT NULL,
	backend_api_key      TEXT NOT NULL DEFAULT '',
	capabilities_json    TEXT NOT NULL DEFAULT '{}',
	owner_json           TEXT NOT NULL DEFAULT '{}',
	registered_at        DATETIME NOT NULL,
	last_checked_at      DATETIME,
	last_latency_ms      INTEGER,
	health_status        TEXT NOT NULL DEFAULT 'unknown',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	is_active            BOOLEAN NOT NULL DEFAULT 1,
	updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_model_servers_model_name ON model_servers(model_name);
CREATE INDEX IF NOT EXISTS idx_model_servers_health_status ON model_servers(health_status);
CREATE INDEX IF NOT EXISTS idx_model_servers_is_active ON model_servers(is_active);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_servers_active_identity
	ON model_servers(model_name, endpoint_normalized)
	WHERE is_active = 1;
`

// Store is the Registry Store. All writes are serialized through mu so that
// concurrent patches from the request path and the Health Monitor never
// interleave at the row level; reads take a separate snapshot per call.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open creates (or attaches to) the SQLite-backed registry at dsn and
// ensures the schema exists. dsn is passed straight to modernc.org/sqlite —
// a bare path opens a file, ":memory:" opens an in-process database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// SQLite allows only one writer at a time; a single connection avoids
	// SQLITE_BUSY under our own mutex discipline above it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is reachable, for GET /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type row struct {
	RegistrationID      string         `db:"registration_id"`
	ModelName           string         `db:"model_name"`
	EndpointURL         string         `db:"endpoint_url"`
	EndpointNormalized  string         `db:"endpoint_normalized"`
	BackendAPIKey       string         `db:"backend_api_key"`
	CapabilitiesJSON    string         `db:"capabilities_json"`
	OwnerJSON           string         `db:"owner_json"`
	RegisteredAt        time.Time      `db:"registered_at"`
	LastCheckedAt       sql.NullTime   `db:"last_checked_at"`
	LastLatencyMS       sql.NullInt64  `db:"last_latency_ms"`
	HealthStatus        string         `db:"health_status"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	IsActive            bool           `db:"is_active"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r row) toRecord() (*model.ServerRecord, error) {
	rec := &model.ServerRecord{
		RegistrationID:      r.RegistrationID,
		ModelName:           r.ModelName,
		EndpointURL:         r.EndpointURL,
		BackendAPIKey:       r.BackendAPIKey,
		RegisteredAt:        r.RegisteredAt,
		HealthStatus:        model.HealthStatus(r.HealthStatus),
		ConsecutiveFailures: r.ConsecutiveFailures,
		IsActive:            r.IsActive,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.LastCheckedAt.Valid {
		t := r.LastCheckedAt.Time
		rec.LastCheckedAt = &t
	}
	if r.LastLatencyMS.Valid {
		v := r.LastLatencyMS.Int64
		rec.LastLatencyMS = &v
	}
	if err := json.Unmarshal([]byte(r.CapabilitiesJSON), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("store: decoding capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(r.OwnerJSON), &rec.Owner); err != nil {
		return nil, fmt.Errorf("store: decoding owner: %w", err)
	}
	return rec, nil
}

// Insert persists a new record. Fails with Conflict if registration_id is
// already known (active or inactive) or if (model_name, normalized url) is
// already claimed by another active record.
func (s *Store) Insert(ctx context.Context, rec *model.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capJSON, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("store: encoding capabilities: %w", err)
	}
	ownerJSON, err := json.Marshal(rec.Owner)
	if err != nil {
		return fmt.Errorf("store: encoding owner: %w", err)
	}
	var lastCheckedAt, lastLatencyMS interface{}
	if rec.LastCheckedAt != nil {
		lastCheckedAt = *rec.LastCheckedAt
	}
	if rec.LastLatencyMS != nil {
		lastLatencyMS = *rec.LastLatencyMS
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_servers (
			registration_id, model_name, endpoint_url, endpoint_normalized,
			backend_api_key, capabilities_json, owner_json,
			registered_at, last_checked_at, last_latency_ms,
			health_status, consecutive_failures, is_active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RegistrationID, rec.ModelName, rec.EndpointURL, model.NormalizeEndpoint(rec.EndpointURL),
		rec.BackendAPIKey, string(capJSON), string(ownerJSON),
		rec.RegisteredAt, lastCheckedAt, lastLatencyMS,
		string(rec.HealthStatus), rec.ConsecutiveFailures, rec.IsActive, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return gatewayerr.Wrap(gatewayerr.Conflict, "a registration with this id or (model_name, endpoint_url) already exists", err)
		}
		return fmt.Errorf("store: inserting record: %w", err)
	}
	return nil
}

// Get returns the record for id, or NotFound.
func (s *Store) Get(ctx context.Context, id string) (*model.ServerRecord, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM model_servers WHERE registration_id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gatewayerr.New(gatewayerr.NotFound, "no such registration")
		}
		return nil, fmt.Errorf("store: fetching record: %w", err)
	}
	return r.toRecord()
}

// Patch is a partial update. Nil fields are left unmodified.
// registered_at is never modified by Patch; updated_at is always refreshed.
type Patch struct {
	ModelName           *string
	EndpointURL         *string
	BackendAPIKey       *string
	Capabilities        *model.Capabilities
	Owner               *model.Owner
	LastCheckedAt       *time.Time
	LastLatencyMS       *int64
	HealthStatus        *model.HealthStatus
	ConsecutiveFailures *int
	IsActive            *bool
}

// Patch applies a partial update to the record named by id. Fails NotFound
// if absent, Conflict if the patch would violate the active-record identity
// uniqueness invariant.
func (s *Store) Patch(ctx context.Context, id string, p Patch) (*model.ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []interface{}

	if p.ModelName != nil {
		sets = append(sets, "model_name = ?")
		args = append(args, *p.ModelName)
	}
	if p.EndpointURL != nil {
		sets = append(sets, "endpoint_url = ?", "endpoint_normalized = ?")
		args = append(args, *p.EndpointURL, model.NormalizeEndpoint(*p.EndpointURL))
	}
	if p.BackendAPIKey != nil {
		sets = append(sets, "backend_api_key = ?")
		args = append(args, *p.BackendAPIKey)
	}
	if p.Capabilities != nil {
		b, err := json.Marshal(*p.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("store: encoding capabilities: %w", err)
		}
		sets = append(sets, "capabilities_json = ?")
		args = append(args, string(b))
	}
	if p.Owner != nil {
		b, err := json.Marshal(*p.Owner)
		if err != nil {
			return nil, fmt.Errorf("store: encoding owner: %w", err)
		}
		sets = append(sets, "owner_json = ?")
		args = append(args, string(b))
	}
	if p.LastCheckedAt != nil {
		sets = append(sets, "last_checked_at = ?")
		args = append(args, *p.LastCheckedAt)
	}
	if p.LastLatencyMS != nil {
		sets = append(sets, "last_latency_ms = ?")
		args = append(args, *p.LastLatencyMS)
	}
	if p.HealthStatus != nil {
		sets = append(sets, "health_status = ?")
		args = append(args, string(*p.HealthStatus))
	}
	if p.ConsecutiveFailures != nil {
		sets = append(sets, "consecutive_failures = ?")
		args = append(args, *p.ConsecutiveFailures)
	}
	if p.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *p.IsActive)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE model_servers SET %s WHERE registration_id = ?`, strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, gatewayerr.Wrap(gatewayerr.Conflict, "update would collide with another active (model_name, endpoint_url)", err)
		}
		return nil, fmt.Errorf("store: patching record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, gatewayerr.New(gatewayerr.NotFound, "no such registration")
	}

	var r row
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM model_servers WHERE registration_id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: reloading patched record: %w", err)
	}
	return r.toRecord()
}

// SoftDelete sets is_active=false. Idempotent: deleting an already-inactive
// (or nonexistent) record is not an error.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE model_servers SET is_active = 0, updated_at = ? WHERE registration_id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: soft-deleting record: %w", err)
	}
	return nil
}

// List returns every record matching filter; callers sort as needed.
func (s *Store) List(ctx context.Context, filter model.Filter) ([]*model.ServerRecord, error) {
	var conds []string
	var args []interface{}

	if !filter.IncludeInactive {
		conds = append(conds, "is_active = 1")
	}
	if filter.ModelName != nil {
		conds = append(conds, "model_name = ?")
		args = append(args, *filter.ModelName)
	}
	if filter.HealthStatus != nil {
		conds = append(conds, "health_status = ?")
		args = append(args, string(*filter.HealthStatus))
	}

	query := "SELECT * FROM model_servers"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: listing records: %w", err)
	}
	return rowsToRecords(rows)
}

// FindHealthy returns the deterministically ordered (registered_at asc, then
// registration_id) sequence of active, Healthy records for modelName. This
// ordering is what gives the Selector a stable ring.
func (s *Store) FindHealthy(ctx context.Context, modelName string) ([]*model.ServerRecord, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM model_servers
		WHERE is_active = 1 AND health_status = 'healthy' AND model_name = ?
		ORDER BY registered_at ASC, registration_id ASC`, modelName)
	if err != nil {
		return nil, fmt.Errorf("store: finding healthy records: %w", err)
	}
	return rowsToRecords(rows)
}

// KnowsModel reports whether any active record (healthy or not) is
// registered for modelName — used to distinguish ModelNotFound (404) from
// NoHealthyServer (503) on the first selection attempt.
func (s *Store) KnowsModel(ctx context.Context, modelName string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM model_servers WHERE is_active = 1 AND model_name = ?`, modelName)
	if err != nil {
		return false, fmt.Errorf("store: checking model: %w", err)
	}
	return n > 0, nil
}

// ActiveModels lists the distinct model names with at least one active
// record, used by Stats for the admin surface's models list.
func (s *Store) ActiveModels(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT DISTINCT model_name FROM model_servers WHERE is_active = 1 ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing models: %w", err)
	}
	return names, nil
}

// Stats computes the admin surface's aggregate counters over active records.
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	err := s.db.GetContext(ctx, &stats.TotalServers, `SELECT COUNT(1) FROM model_servers WHERE is_active = 1`)
	if err != nil {
		return stats, fmt.Errorf("store: counting servers: %w", err)
	}
	counts := map[model.HealthStatus]*int{
		model.Healthy:   &stats.Healthy,
		model.Unhealthy: &stats.Unhealthy,
		model.Unknown:   &stats.UnknownCount,
	}
	for status, dest := range counts {
		if err := s.db.GetContext(ctx, dest,
			`SELECT COUNT(1) FROM model_servers WHERE is_active = 1 AND health_status = ?`, string(status)); err != nil {
			return stats, fmt.Errorf("store: counting by health status: %w", err)
		}
	}
	models, err := s.ActiveModels(ctx)
	if err != nil {
		return stats, err
	}
	stats.Models = models
	return stats, nil
}

func rowsToRecords(rows []row) ([]*model.ServerRecord, error) {
	out := make([]*model.ServerRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
