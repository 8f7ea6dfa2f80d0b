// Package configstore keeps runtime settings in Postgres (app_config) with
// optimistic versioning and an append-only history (app_config_history).
// Reads are served from an in-memory snapshot.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Section identifies a configuration namespace.
type Section string

const (
	SectionSecurity Section = "security"
	SectionClients  Section = "clients"
	SectionCORS     Section = "cors"

	// DocumentKey is the key under which a whole section document is stored.
	DocumentKey = "__doc"

	defaultLoadTimeout  = 5 * time.Second
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

var (
	// ErrNilDB is returned when a store is created without a database handle.
	ErrNilDB = errors.New("configstore: db is nil")
	// ErrVersionMismatch indicates the optimistic-lock check failed.
	ErrVersionMismatch = errors.New("configstore: version mismatch")
	// ErrInvalidDocument wraps errors returned by a section validator.
	ErrInvalidDocument = errors.New("configstore: invalid document")
)

// ValidateFunc inspects an encoded section document before it is written.
type ValidateFunc func(raw json.RawMessage) error

// Options configure a Store.
type Options struct {
	// Defaults are decoded underneath the stored document of each section.
	Defaults    map[Section]json.RawMessage
	Validators  map[Section]ValidateFunc
	LoadTimeout time.Duration
	Now         func() time.Time
}

// UpdateOptions control a single write.
type UpdateOptions struct {
	Key           string
	UpdatedBy     string
	Reason        string
	ExpectVersion int64
}

// Entry is one stored key of a section.
type Entry struct {
	Section   Section
	Key       string
	Value     json.RawMessage
	Version   int64
	UpdatedAt time.Time
	UpdatedBy string
}

// Revision is one row of a section's change history.
type Revision struct {
	Entry
	Reason string
}

// Snapshot is a point-in-time copy of all stored entries.
type Snapshot struct {
	Entries  map[Section]map[string]Entry
	LoadedAt time.Time
}

// Count returns the number of stored entries across sections.
func (s Snapshot) Count() int {
	n := 0
	for _, keys := range s.Entries {
		n += len(keys)
	}
	return n
}

type Store struct {
	db   *sql.DB
	opts Options

	mu       sync.RWMutex
	snapshot Snapshot
	watchers []func(Snapshot)
}

// New creates a Store and performs the initial load.
func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	s := &Store{db: db, opts: opts}

	ctx, cancel := context.WithTimeout(context.Background(), opts.LoadTimeout)
	defer cancel()
	if _, err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch registers fn to run after every successful reload.
func (s *Store) Watch(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Reload refreshes the snapshot from the database.
func (s *Store) Reload(ctx context.Context) (Snapshot, error) {
	return s.load(ctx)
}

// Snapshot returns a deep copy of the cached snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone()
}

// Decode layers the section defaults and the stored document into dest and
// returns the stored version (0 when nothing is stored yet).
func (s *Store) Decode(section Section, dest any) (int64, error) {
	raw, version := s.Raw(section, DocumentKey)
	if def := s.opts.Defaults[section]; len(def) > 0 {
		if err := json.Unmarshal(def, dest); err != nil {
			return 0, fmt.Errorf("configstore: decode defaults for %s: %w", section, err)
		}
	}
	if len(raw) == 0 {
		return version, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return 0, fmt.Errorf("configstore: decode %s: %w", section, err)
	}
	return version, nil
}

// Raw returns a copy of the stored value and its version.
func (s *Store) Raw(section Section, key string) (json.RawMessage, int64) {
	if key == "" {
		key = DocumentKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.snapshot.Entries[section][key]
	if !ok {
		return nil, 0
	}
	return copyRaw(e.Value), e.Version
}

// Put stores payload under section, bumps the version, records a history row
// and reloads the snapshot. A non-zero ExpectVersion must match the stored
// version.
func (s *Store) Put(ctx context.Context, section Section, payload any, uopts UpdateOptions) (Snapshot, error) {
	key := strings.TrimSpace(uopts.Key)
	if key == "" {
		key = DocumentKey
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Snapshot{}, fmt.Errorf("configstore: encode %s: %w", section, err)
	}
	if validate := s.opts.Validators[section]; validate != nil {
		if err := validate(raw); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `
SELECT version
  FROM app_config
 WHERE namespace = $1
   AND key = $2
 FOR UPDATE
`, string(section), key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}

	if uopts.ExpectVersion > 0 && (!current.Valid || current.Int64 != uopts.ExpectVersion) {
		return Snapshot{}, ErrVersionMismatch
	}
	next := current.Int64 + 1

	by := strings.TrimSpace(uopts.UpdatedBy)
	reason := strings.TrimSpace(uopts.Reason)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO app_config (namespace, key, value, version, updated_at, updated_by)
VALUES ($1, $2, $3, $4, now(), NULLIF($5, ''))
ON CONFLICT (namespace, key) DO UPDATE
   SET value = EXCLUDED.value,
       version = EXCLUDED.version,
       updated_at = now(),
       updated_by = EXCLUDED.updated_by
`, string(section), key, raw, next, by); err != nil {
		return Snapshot{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO app_config_history (namespace, key, value, version, updated_at, updated_by, change_reason)
VALUES ($1, $2, $3, $4, now(), NULLIF($5, ''), NULLIF($6, ''))
`, string(section), key, raw, next, by, reason); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}
	return s.load(ctx)
}

// History returns the newest revisions of a section document first.
func (s *Store) History(ctx context.Context, section Section, limit int) ([]Revision, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT namespace, key, value, version, updated_at, updated_by, change_reason
  FROM app_config_history
 WHERE namespace = $1
   AND key = $2
 ORDER BY id DESC
 LIMIT $3
`, string(section), DocumentKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			rev    Revision
			ns     string
			value  []byte
			by     sql.NullString
			reason sql.NullString
		)
		if err := rows.Scan(&ns, &rev.Key, &value, &rev.Version, &rev.UpdatedAt, &by, &reason); err != nil {
			return nil, err
		}
		rev.Section = Section(strings.TrimSpace(ns))
		rev.Value = copyRaw(value)
		rev.UpdatedAt = rev.UpdatedAt.UTC()
		rev.UpdatedBy = strings.TrimSpace(by.String)
		rev.Reason = strings.TrimSpace(reason.String)
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *Store) load(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT namespace, key, value, version, updated_at, updated_by
  FROM app_config
 ORDER BY namespace, key
`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	entries := make(map[Section]map[string]Entry)
	for rows.Next() {
		var (
			e     Entry
			ns    string
			value []byte
			by    sql.NullString
		)
		if err := rows.Scan(&ns, &e.Key, &value, &e.Version, &e.UpdatedAt, &by); err != nil {
			return Snapshot{}, err
		}
		e.Section = Section(strings.TrimSpace(ns))
		if e.Section == "" {
			continue
		}
		e.Value = copyRaw(value)
		e.UpdatedAt = e.UpdatedAt.UTC()
		e.UpdatedBy = by.String
		if entries[e.Section] == nil {
			entries[e.Section] = make(map[string]Entry)
		}
		entries[e.Section][e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Entries: entries, LoadedAt: s.now()}
	s.mu.Lock()
	s.snapshot = snap
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(snap.clone())
	}
	return snap.clone(), nil
}

func (s *Store) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now()
	}
	return time.Now().UTC()
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{LoadedAt: s.LoadedAt}
	if len(s.Entries) == 0 {
		return out
	}
	out.Entries = make(map[Section]map[string]Entry, len(s.Entries))
	for section, keys := range s.Entries {
		cp := make(map[string]Entry, len(keys))
		for k, e := range keys {
			e.Value = copyRaw(e.Value)
			cp[k] = e
		}
		out.Entries[section] = cp
	}
	return out
}

func copyRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
