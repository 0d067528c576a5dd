package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	"github.com/harun/paperlens/internal/observability"
	"github.com/harun/paperlens/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrAbsent is returned by Get for keys that were never written or were reclaimed.
var ErrAbsent = errors.New("memory entry absent")

// Scope controls an entry's lifetime.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeGlobal  Scope = "global"
)

// Kind describes what an entry's value holds.
type Kind string

const (
	KindItems    Kind = "items"
	KindSummary  Kind = "summary"
	KindCrossRef Kind = "crossref"
	KindReport   Kind = "report"
	KindQA       Kind = "qa"
	KindTopic    Kind = "topic"
)

// Metadata tags an entry for lookup. Scope defaults to ScopeSession.
type Metadata struct {
	SessionID string `json:"sessionId,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Title     string `json:"title,omitempty"`
	ItemID    string `json:"itemId,omitempty"`
	Kind      Kind   `json:"kind"`
	Scope     Scope  `json:"scope"`
}

// Entry is one stored value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// Config holds memory store configuration
type Config struct {
	// DSN of the SQLite database. Empty means a private in-memory database.
	DSN    string
	Logger zerolog.Logger
	// Embedder enables the vector index. Optional.
	Embedder Embedder
}

// Store is safe for concurrent use. The database is held on a single
// connection so statements are serialized and the in-memory database lives
// as long as the store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	vector *VectorIndex
}

// NewStore opens the database and creates the schema.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	dsn := cfg.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("file:paperlens-%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Embedder != nil {
		vi, err := newVectorIndex(db, cfg.Embedder, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.vector = vi
	}

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			key        TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			topic      TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			item_id    TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL,
			scope      TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id);
		CREATE INDEX IF NOT EXISTS idx_entries_topic ON entries(topic);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// VectorEnabled reports whether an Embedder was configured.
func (s *Store) VectorEnabled() bool {
	return s.vector != nil
}

// Put stores value under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, value any, md Metadata) error {
	if key == "" {
		return errors.New("memory key is required")
	}
	if md.Kind == "" {
		return errors.New("memory kind is required")
	}
	if md.Scope == "" {
		md.Scope = ScopeSession
	}

	ctx, span := tracing.StartSpan(ctx, "paperlens.memory", "memory.put",
		attribute.String("key", key),
		attribute.String("kind", string(md.Kind)),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	data, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("failed to encode %s: %w", key, err)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (key, session_id, topic, title, item_id, kind, scope, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			session_id = excluded.session_id,
			topic      = excluded.topic,
			title      = excluded.title,
			item_id    = excluded.item_id,
			kind       = excluded.kind,
			scope      = excluded.scope,
			value      = excluded.value
	`, key, md.SessionID, md.Topic, md.Title, md.ItemID, string(md.Kind), string(md.Scope), string(data), time.Now().UnixNano())
	if err != nil {
		err = fmt.Errorf("failed to store %s: %w", key, err)
		return err
	}
	observability.RecordMemoryWrite(string(md.Kind))
	if total, cerr := s.Count(ctx); cerr == nil {
		observability.SetMemoryEntries(total)
	}

	if s.vector != nil && embeddable(md.Kind) {
		if verr := s.vector.index(ctx, key, embeddingText(md, data)); verr != nil {
			s.logger.Warn().Err(verr).Str("key", key).Msg("Failed to index entry embedding")
		}
	}
	return nil
}

// Get returns the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, session_id, topic, title, item_id, kind, scope, value, created_at
		FROM entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s: %w", key, ErrAbsent)
	}
	return e, err
}

type queryOptions struct {
	kind  Kind
	scope Scope
	limit int
}

// QueryOption narrows a Query.
type QueryOption func(*queryOptions)

func WithKind(k Kind) QueryOption    { return func(o *queryOptions) { o.kind = k } }
func WithScope(sc Scope) QueryOption { return func(o *queryOptions) { o.scope = sc } }
func WithLimit(n int) QueryOption    { return func(o *queryOptions) { o.limit = n } }

// Query returns entries whose session id equals q or whose topic or title
// contains q, case-insensitively, oldest first.
func (s *Store) Query(ctx context.Context, q string, opts ...QueryOption) ([]Entry, error) {
	if strings.TrimSpace(q) == "" {
		return nil, nil
	}

	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	defer func() { observability.RecordMemoryQuery(time.Since(start)) }()

	var sb strings.Builder
	sb.WriteString(`SELECT key, session_id, topic, title, item_id, kind, scope, value, created_at
		FROM entries
		WHERE (session_id = ? OR instr(lower(topic), lower(?)) > 0 OR instr(lower(title), lower(?)) > 0)`)
	args := []any{q, q, q}
	if o.kind != "" {
		sb.WriteString(" AND kind = ?")
		args = append(args, string(o.kind))
	}
	if o.scope != "" {
		sb.WriteString(" AND scope = ?")
		args = append(args, string(o.scope))
	}
	sb.WriteString(" ORDER BY created_at ASC, key ASC")
	if o.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, o.limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReclaimSession deletes the session-scoped entries of sessionID and
// returns how many were removed. Global entries are kept.
func (s *Store) ReclaimSession(ctx context.Context, sessionID string) (int, error) {
	if s.vector != nil {
		if err := s.vector.removeSession(ctx, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to drop session embeddings")
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ? AND scope = ?`, sessionID, string(ScopeSession))
	if err != nil {
		return 0, fmt.Errorf("reclaim session %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()

	if total, err := s.Count(ctx); err == nil {
		observability.SetMemoryEntries(total)
	}
	return int(n), nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// Stats summarizes the store contents.
type Stats struct {
	Entries  int `json:"entries"`
	Sessions int `json:"sessions"`
	Topics   int `json:"topics"`
	Global   int `json:"global"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT NULLIF(session_id, '')),
		       COUNT(DISTINCT NULLIF(lower(topic), '')),
		       COALESCE(SUM(CASE WHEN scope = 'global' THEN 1 ELSE 0 END), 0)
		FROM entries`).Scan(&st.Entries, &st.Sessions, &st.Topics, &st.Global)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// entryColumns mirrors the column order of every entries SELECT.
type entryColumns struct {
	key, sessionID, topic, title, itemID, kind, scope, value string
	created                                                  int64
}

func (c *entryColumns) dest() []any {
	return []any{&c.key, &c.sessionID, &c.topic, &c.title, &c.itemID, &c.kind, &c.scope, &c.value, &c.created}
}

func (c *entryColumns) entry() Entry {
	return Entry{
		Key:   c.key,
		Value: json.RawMessage(c.value),
		Metadata: Metadata{
			SessionID: c.sessionID,
			Topic:     c.topic,
			Title:     c.title,
			ItemID:    c.itemID,
			Kind:      Kind(c.kind),
			Scope:     Scope(c.scope),
		},
		CreatedAt: time.Unix(0, c.created),
	}
}

func scanEntry(r rowScanner) (Entry, error) {
	var c entryColumns
	if err := r.Scan(c.dest()...); err != nil {
		return Entry{}, err
	}
	return c.entry(), nil
}
