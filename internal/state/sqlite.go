package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/hookwarden/internal/log"
)

// SQLiteStore keeps one plugin_settings row per plugin id. Updates run in a
// single transaction that rewrites the table, so readers see either the old
// or the new state and never a mix.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSQLiteStore wraps a database opened with storage.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: log.WithComponent("state"),
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) Get(ctx context.Context) (State, error) {
	return s.load(ctx, s.db)
}

func (s *SQLiteStore) Update(ctx context.Context, mutate func(*State) error) error {
	// Serialize writers in-process so two read-modify-write cycles never
	// interleave inside SQLite's lock upgrade.
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "begin tx", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	if err := mutate(&cur); err != nil {
		return err
	}
	next := cur.Clone()

	if _, err := tx.ExecContext(ctx, "DELETE FROM plugin_settings;"); err != nil {
		return &IOError{Op: "clear plugin_settings", Err: err}
	}

	ids := next.PluginIDs()
	sort.Strings(ids)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		var enabled any
		if v, ok := next.Enabled[id]; ok {
			enabled = v
		}
		var cfg any
		if v, ok := next.Config[id]; ok {
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode config for plugin %q: %w", id, err)
			}
			cfg = string(b)
		}
		grants := next.Grants[id]
		if grants == nil {
			grants = map[string]bool{}
		}
		gb, err := json.Marshal(grants)
		if err != nil {
			return fmt.Errorf("encode grants for plugin %q: %w", id, err)
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_settings(plugin_id, enabled, config, grants, updated_at)
VALUES(?, ?, ?, ?, ?);
`, id, enabled, cfg, string(gb), now)
		if err != nil {
			return &IOError{Op: "write plugin_settings", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &IOError{Op: "commit tx", Err: err}
	}
	return nil
}

func (s *SQLiteStore) load(ctx context.Context, q queryer) (State, error) {
	rows, err := q.QueryContext(ctx, "SELECT plugin_id, enabled, config, grants FROM plugin_settings;")
	if err != nil {
		return State{}, &IOError{Op: "read plugin_settings", Err: err}
	}
	defer rows.Close()

	st := Empty()
	for rows.Next() {
		var (
			id      string
			enabled sql.NullBool
			cfg     sql.NullString
			grants  sql.NullString
		)
		if err := rows.Scan(&id, &enabled, &cfg, &grants); err != nil {
			return State{}, &IOError{Op: "scan plugin_settings", Err: err}
		}
		if enabled.Valid {
			st.Enabled[id] = enabled.Bool
		}
		if cfg.Valid {
			var v any
			if err := json.Unmarshal([]byte(cfg.String), &v); err != nil {
				// Dropped here; the next update rewrites the row.
				s.logger.Warn("ignoring unreadable persisted config", "plugin", id, "error", err)
			} else {
				st.Config[id] = v
			}
		}
		if grants.Valid && grants.String != "" {
			var g map[string]bool
			if err := json.Unmarshal([]byte(grants.String), &g); err != nil {
				s.logger.Warn("ignoring unreadable persisted grants", "plugin", id, "error", err)
			} else if len(g) > 0 {
				st.Grants[id] = g
			}
		}
	}
	if err := rows.Err(); err != nil {
		return State{}, &IOError{Op: "iterate plugin_settings", Err: err}
	}
	return st, nil
}
