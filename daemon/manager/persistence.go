package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

var ErrDatabaseNotInitialized = errors.New("database not initialized")

// History keeps one row per finished or running session in SQLite so
// operators can see what was transferred after the daemon restarts.
type History struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenHistory opens or creates the session database at dbPath.
func OpenHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	h := &History{db: db, path: dbPath}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// initSchema creates the database schema if it doesn't exist
func (h *History) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS transfer_sessions (
			session_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			peer TEXT NOT NULL,
			direction TEXT NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL,
			wanted TEXT NOT NULL,
			committed TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON transfer_sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_hash ON transfer_sessions(hash);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON transfer_sessions(updated_at);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := h.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := h.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	return nil
}

// Save inserts or replaces the row for sum.
func (h *History) Save(sum Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return ErrDatabaseNotInitialized
	}

	query := `
		INSERT OR REPLACE INTO transfer_sessions
		(session_id, hash, peer, direction, state, error_kind, error_message,
		 size, wanted, committed, bytes, chunks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.Exec(query,
		sum.ID,
		sum.Hash.String(),
		sum.Peer,
		sum.Direction.String(),
		sum.State.String(),
		sum.ErrorKind,
		sum.ErrorMessage,
		int64(sum.Size),
		sum.Wanted.String(),
		sum.Committed.String(),
		int64(sum.Bytes),
		int64(sum.Chunks),
		sum.StartTime.UTC(),
		sum.UpdateTime.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

const selectColumns = `session_id, hash, peer, direction, state, error_kind, error_message,
		size, wanted, committed, bytes, chunks, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		sum                          Summary
		hashStr, dirStr, stateStr    string
		wantedStr, committedStr      string
		size, bytesMoved, chunkCount int64
	)
	err := row.Scan(&sum.ID, &hashStr, &sum.Peer, &dirStr, &stateStr, &sum.ErrorKind, &sum.ErrorMessage,
		&size, &wantedStr, &committedStr, &bytesMoved, &chunkCount, &sum.StartTime, &sum.UpdateTime)
	if err != nil {
		return Summary{}, err
	}
	if sum.Hash, err = hashtree.ParseHash(hashStr); err != nil {
		return Summary{}, err
	}
	if sum.Direction, err = ParseDirection(dirStr); err != nil {
		return Summary{}, err
	}
	if sum.State, err = ParseState(stateStr); err != nil {
		return Summary{}, err
	}
	if sum.Wanted, err = rangeset.Parse(wantedStr); err != nil {
		return Summary{}, err
	}
	if sum.Committed, err = rangeset.Parse(committedStr); err != nil {
		return Summary{}, err
	}
	sum.Size, sum.Bytes, sum.Chunks = uint64(size), uint64(bytesMoved), uint64(chunkCount)
	return sum, nil
}

// Load returns the row for sessionID.
func (h *History) Load(sessionID string) (Summary, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	row := h.db.QueryRow("SELECT "+selectColumns+" FROM transfer_sessions WHERE session_id = ?", sessionID)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrSessionNotFound
	} else if err != nil {
		return Summary{}, fmt.Errorf("failed to load session: %w", err)
	}
	return sum, nil
}

// List returns rows matching the optional state filter, newest first, and
// the total count before pagination.
func (h *History) List(filterState *TransferState, limit, offset int) ([]Summary, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	where, args := "", []any{}
	if filterState != nil {
		where = " WHERE state = ?"
		args = append(args, filterState.String())
	}

	rows, err := h.db.Query("SELECT "+selectColumns+" FROM transfer_sessions"+where+
		" ORDER BY created_at DESC LIMIT ? OFFSET ?", append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM transfer_sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return out, total, nil
}

// Prune deletes terminal rows last updated before now-maxAge.
func (h *History) Prune(maxAge time.Duration, now time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.db.Exec(
		"DELETE FROM transfer_sessions WHERE updated_at < ? AND state IN (?, ?, ?)",
		now.Add(-maxAge).UTC(), StateCompleted.String(), StateFailed.String(), StateAborted.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks that the database answers.
func (h *History) Ping(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.db == nil {
		return ErrDatabaseNotInitialized
	}
	return h.db.PingContext(ctx)
}

// Close closes the database connection
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		err := h.db.Close()
		h.db = nil
		return err
	}
	return nil
}
