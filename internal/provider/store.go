package provider

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// StoredUpdate is one persisted encoded update.
type StoredUpdate struct {
	Seq       int64
	DocID     string
	ClientID  string
	Payload   []byte
	CreatedAt time.Time
}

// UpdateBatch is a page of stored updates.
type UpdateBatch struct {
	Updates []StoredUpdate
	LastSeq int64
	HasMore bool
}

// UpdateStore is a sqlite-backed append-only log of encoded document
// updates with monotonic sequence numbers. A relay hands each client the
// updates it has not seen, excluding its own.
type UpdateStore struct {
	db *sql.DB
}

// OpenUpdateStore opens (or creates) the store at path. ":memory:" works
// for tests.
func OpenUpdateStore(path string) (*UpdateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open update store: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps ":memory:"
	// databases on a single handle.
	db.SetMaxOpenConns(1)
	s := &UpdateStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *UpdateStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS updates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id     TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_updates_doc ON updates(doc_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("init update log: %w", err)
	}
	return nil
}

// Append persists one encoded update and returns its sequence number.
func (s *UpdateStore) Append(docID, clientID string, payload []byte) (int64, error) {
	if docID == "" {
		return 0, fmt.Errorf("append update: empty doc id")
	}
	if clientID == "" {
		return 0, fmt.Errorf("append update: empty client id")
	}
	res, err := s.db.Exec(
		`INSERT INTO updates (doc_id, client_id, payload) VALUES (?, ?, ?)`,
		docID, clientID, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append update: last insert id: %w", err)
	}
	return seq, nil
}

// UpdatesSince pages through a document's updates after the given sequence
// number. A non-positive limit returns everything in one batch. If
// excludeClient is non-empty, that client's own updates are filtered out so
// a puller never re-applies its own writes.
func (s *UpdateStore) UpdatesSince(docID string, afterSeq int64, limit int, excludeClient string) (UpdateBatch, error) {
	batch := UpdateBatch{LastSeq: afterSeq}
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}

	var rows *sql.Rows
	var err error
	if excludeClient != "" {
		rows, err = s.db.Query(
			`SELECT seq, doc_id, client_id, payload, created_at
			 FROM updates WHERE doc_id = ? AND seq > ? AND client_id != ?
			 ORDER BY seq ASC LIMIT ?`,
			docID, afterSeq, excludeClient, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT seq, doc_id, client_id, payload, created_at
			 FROM updates WHERE doc_id = ? AND seq > ?
			 ORDER BY seq ASC LIMIT ?`,
			docID, afterSeq, limit,
		)
	}
	if err != nil {
		return batch, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u StoredUpdate
		var ts string
		if err := rows.Scan(&u.Seq, &u.DocID, &u.ClientID, &u.Payload, &ts); err != nil {
			return batch, fmt.Errorf("scan update: %w", err)
		}
		u.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", ts)
		batch.Updates = append(batch.Updates, u)
		batch.LastSeq = u.Seq
	}
	if err := rows.Err(); err != nil {
		return batch, fmt.Errorf("rows iteration: %w", err)
	}
	batch.HasMore = len(batch.Updates) == limit
	return batch, nil
}

// Compact replaces a document's whole log with a single snapshot row.
// Callers run it once the log grows past their snapshot threshold.
func (s *UpdateStore) Compact(docID, clientID string, snapshot []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("compact: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM updates WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("compact: clear log: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO updates (doc_id, client_id, payload) VALUES (?, ?, ?)`,
		docID, clientID, snapshot,
	); err != nil {
		return fmt.Errorf("compact: write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("compact: commit: %w", err)
	}
	return nil
}

// CountUpdates returns the number of rows retained for a document.
func (s *UpdateStore) CountUpdates(docID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM updates WHERE doc_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *UpdateStore) Close() error {
	return s.db.Close()
}
