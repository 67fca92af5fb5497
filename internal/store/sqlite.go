// Package store persists case records, custody events, and exported
// container fingerprints in a local SQLite database. The database is the
// lab's durable index: the authoritative chain still lives inside each
// exported container, but the store lets an examiner list cases, replay a
// chain, and check an archive on disk against the hash recorded at
// export time.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pfeics/internal/custody"
	"pfeics/internal/metadata"
)

// ErrNotFound is returned when a case or container is not in the store.
var ErrNotFound = errors.New("store: not found")

// Schema for the case index.
const schema = `
CREATE TABLE IF NOT EXISTS cases (
    case_id        TEXT PRIMARY KEY,
    subject_id     TEXT NOT NULL,
    examiner_name  TEXT NOT NULL,
    badge_id       TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    metadata_json  TEXT NOT NULL,
    created_ns     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS custody_events (
    case_id        TEXT NOT NULL REFERENCES cases(case_id),
    event_id       INTEGER NOT NULL,
    event_type     TEXT NOT NULL,
    timestamp_ns   INTEGER NOT NULL,
    examiner_id    TEXT NOT NULL,
    description    TEXT NOT NULL,
    previous_hash  TEXT NOT NULL,
    event_hash     TEXT NOT NULL,
    data_json      TEXT NOT NULL,
    signature      BLOB,
    PRIMARY KEY (case_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_custody_events_time ON custody_events(timestamp_ns);

CREATE TABLE IF NOT EXISTS containers (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id      TEXT NOT NULL REFERENCES cases(case_id),
    path         TEXT NOT NULL UNIQUE,
    sha256       TEXT NOT NULL,
    exported_ns  INTEGER NOT NULL
);
`

// Store wraps the SQLite case index.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertCase records or refreshes a case's metadata.
func (s *Store) UpsertCase(meta metadata.CaseMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO cases (case_id, subject_id, examiner_name, badge_id, fingerprint, metadata_json, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			subject_id = excluded.subject_id,
			examiner_name = excluded.examiner_name,
			badge_id = excluded.badge_id,
			fingerprint = excluded.fingerprint,
			metadata_json = excluded.metadata_json`,
		meta.CaseID, meta.SubjectID, meta.Examiner.Name, meta.Examiner.BadgeID,
		meta.Fingerprint(), string(metaJSON), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// Case loads a stored case's metadata.
func (s *Store) Case(caseID string) (*metadata.CaseMetadata, error) {
	var metaJSON string
	err := s.db.QueryRow(`SELECT metadata_json FROM cases WHERE case_id = ?`, caseID).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}

	var meta metadata.CaseMetadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// ListCases returns all stored case IDs, newest first.
func (s *Store) ListCases() ([]string, error) {
	rows, err := s.db.Query(`SELECT case_id FROM cases ORDER BY created_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordEvents stores a case's event sequence in one transaction,
// replacing any previously stored chain for that case.
func (s *Store) RecordEvents(caseID string, events []*custody.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM custody_events WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO custody_events (case_id, event_id, event_type, timestamp_ns, examiner_id,
			description, previous_hash, event_hash, data_json, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("encode event %d data: %w", e.ID, err)
		}
		if _, err := stmt.Exec(caseID, e.ID, string(e.Kind), e.Timestamp.UnixNano(),
			e.ExaminerID, e.Description, e.PreviousHash, e.Hash, string(dataJSON), e.Signature); err != nil {
			return fmt.Errorf("insert event %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// EventsForCase replays a case's stored chain in event order.
func (s *Store) EventsForCase(caseID string) ([]*custody.Event, error) {
	rows, err := s.db.Query(`
		SELECT event_id, event_type, timestamp_ns, examiner_id, description,
			previous_hash, event_hash, data_json, signature
		FROM custody_events WHERE case_id = ? ORDER BY event_id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*custody.Event
	for rows.Next() {
		var (
			e        custody.Event
			kind     string
			tsNs     int64
			dataJSON string
		)
		if err := rows.Scan(&e.ID, &kind, &tsNs, &e.ExaminerID, &e.Description,
			&e.PreviousHash, &e.Hash, &dataJSON, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = custody.EventKind(kind)
		e.Timestamp = time.Unix(0, tsNs).UTC()
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("decode event %d data: %w", e.ID, err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// VerifyCase replays the stored chain through the ledger verifier.
func (s *Store) VerifyCase(caseID string) (bool, []custody.Break, error) {
	events, err := s.EventsForCase(caseID)
	if err != nil {
		return false, nil, err
	}
	if len(events) == 0 {
		return false, nil, fmt.Errorf("%w: no events for case %s", ErrNotFound, caseID)
	}
	ok, breaks := custody.Verify(events)
	return ok, breaks, nil
}

// ContainerRecord is one exported archive the store knows about.
type ContainerRecord struct {
	CaseID     string
	Path       string
	SHA256     string
	ExportedAt time.Time
}

// RecordContainer remembers an exported archive's hash so later reads of
// the file can be checked against what was written.
func (s *Store) RecordContainer(caseID, path, sha256 string) error {
	_, err := s.db.Exec(`
		INSERT INTO containers (case_id, path, sha256, exported_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			case_id = excluded.case_id,
			sha256 = excluded.sha256,
			exported_ns = excluded.exported_ns`,
		caseID, path, sha256, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record container: %w", err)
	}
	return nil
}

// ContainerByPath looks up the stored record for an archive path.
func (s *Store) ContainerByPath(path string) (*ContainerRecord, error) {
	var (
		rec  ContainerRecord
		expNs int64
	)
	err := s.db.QueryRow(`
		SELECT case_id, path, sha256, exported_ns FROM containers WHERE path = ?`, path).
		Scan(&rec.CaseID, &rec.Path, &rec.SHA256, &expNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load container: %w", err)
	}
	rec.ExportedAt = time.Unix(0, expNs).UTC()
	return &rec, nil
}

// ContainersForCase lists archives exported for a case, newest first.
func (s *Store) ContainersForCase(caseID string) ([]*ContainerRecord, error) {
	rows, err := s.db.Query(`
		SELECT case_id, path, sha256, exported_ns FROM containers
		WHERE case_id = ? ORDER BY exported_ns DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer rows.Close()

	var recs []*ContainerRecord
	for rows.Next() {
		var (
			rec  ContainerRecord
			expNs int64
		)
		if err := rows.Scan(&rec.CaseID, &rec.Path, &rec.SHA256, &expNs); err != nil {
			return nil, err
		}
		rec.ExportedAt = time.Unix(0, expNs).UTC()
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
