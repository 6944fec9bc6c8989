// Package ledger records per-instance lifecycle timestamps in PostgreSQL.
// One row per instance id, upserted in place; rows are never deleted.
package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is the single current-state row for one instance. The timestamp
// fields are monotonically advancing markers, not counters; once StoppedAt is
// set the instance is terminal for reclamation policy.
type Record struct {
	InstanceID    string
	Provider      string
	CreatedAt     time.Time
	LastResumedAt *time.Time
	LastPausedAt  *time.Time
	StoppedAt     *time.Time
}

// Ledger wraps a *sql.DB with migration support.
type Ledger struct {
	db *sql.DB
}

// Open connects to PostgreSQL and runs migrations.
func Open(databaseURL string) (*Ledger, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	l := &Ledger{db: sqlDB}
	if err := l.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		var exists bool
		if err := l.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Info().Str("migration", name).Msg("applied migration")
	}
	return nil
}

// RecordResume patches last_resumed_at, inserting the row on first observation.
func (l *Ledger) RecordResume(instanceID, provider string) error {
	return l.upsert(instanceID, provider, "last_resumed_at")
}

// RecordPause patches last_paused_at, inserting the row on first observation.
func (l *Ledger) RecordPause(instanceID, provider string) error {
	return l.upsert(instanceID, provider, "last_paused_at")
}

// RecordStop patches stopped_at, inserting the row on first observation.
// Stop is terminal: the row stays as the permanent "workspace expired" marker.
func (l *Ledger) RecordStop(instanceID, provider string) error {
	return l.upsert(instanceID, provider, "stopped_at")
}

func (l *Ledger) upsert(instanceID, provider, field string) error {
	// field is one of three compile-time constants, never caller input.
	query := fmt.Sprintf(`INSERT INTO instance_activity (instance_id, provider, %s)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (instance_id) DO UPDATE SET %s = NOW()`, field, field)
	if _, err := l.db.Exec(query, instanceID, provider); err != nil {
		return fmt.Errorf("upsert %s for %s: %w", field, instanceID, err)
	}
	return nil
}

// Get returns the record for an instance, or nil if never observed.
func (l *Ledger) Get(instanceID string) (*Record, error) {
	r := &Record{}
	var resumed, paused, stopped sql.NullTime
	err := l.db.QueryRow(
		`SELECT instance_id, provider, created_at, last_resumed_at, last_paused_at, stopped_at
		 FROM instance_activity WHERE instance_id = $1`,
		instanceID,
	).Scan(&r.InstanceID, &r.Provider, &r.CreatedAt, &resumed, &paused, &stopped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity record: %w", err)
	}
	r.LastResumedAt = nullTimePtr(resumed)
	r.LastPausedAt = nullTimePtr(paused)
	r.StoppedAt = nullTimePtr(stopped)
	return r, nil
}

// ListByProvider returns every record observed for one provider.
func (l *Ledger) ListByProvider(provider string) ([]*Record, error) {
	rows, err := l.db.Query(
		`SELECT instance_id, provider, created_at, last_resumed_at, last_paused_at, stopped_at
		 FROM instance_activity WHERE provider = $1 ORDER BY created_at ASC`,
		provider,
	)
	if err != nil {
		return nil, fmt.Errorf("list activity records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var resumed, paused, stopped sql.NullTime
		if err := rows.Scan(&r.InstanceID, &r.Provider, &r.CreatedAt, &resumed, &paused, &stopped); err != nil {
			return nil, fmt.Errorf("scan activity record: %w", err)
		}
		r.LastResumedAt = nullTimePtr(resumed)
		r.LastPausedAt = nullTimePtr(paused)
		r.StoppedAt = nullTimePtr(stopped)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
