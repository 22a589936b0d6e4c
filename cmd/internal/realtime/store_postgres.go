package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op. Writes for one pair are
// serialized with a transactional advisory lock so seq allocation has no gaps.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pairline").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "pairline"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the store's schema and tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	cursors := pgIdent(s.schema, "pair_cursors")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  pair_key   TEXT PRIMARY KEY,
  next_seq   BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id        TEXT PRIMARY KEY,
  pair_key  TEXT NOT NULL,
  seq       BIGINT NOT NULL,
  sender    TEXT NOT NULL,
  recipient TEXT NOT NULL,
  content   TEXT NOT NULL,
  sent_at   TIMESTAMPTZ NOT NULL,
  stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_pair_seq UNIQUE (pair_key, seq),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0)
);
`, pgx.Identifier{s.schema}.Sanitize(), cursors, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: ensure schema: %w", err)
	}
	return nil
}

// AppendMessage stores a message once per id and allocates the next pair seq.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if err := in.validate(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sent := in.SentAt
	if sent.IsZero() {
		sent = now
	}
	key := PairKey(in.From, in.To)

	res, err := s.appendTx(ctx, key, in, sent.UTC(), now.UTC())
	if isUniqueViolation(err) {
		// Same id raced in through another pair's lock.
		return s.readDuplicate(ctx, in)
	}
	return res, err
}

func (s *PostgresStore) appendTx(ctx context.Context, key string, in AppendMessageInput, sent, now time.Time) (AppendMessageResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "pair_cursors")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByID(ctx, tx, messages, in.ID)
	if err == nil {
		if !sameMessage(existing, in) {
			return AppendMessageResult{}, ErrIDConflict
		}
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` AS c (pair_key, next_seq) VALUES ($1, 2)
		 ON CONFLICT (pair_key) DO UPDATE
		    SET next_seq = c.next_seq + 1, updated_at = now()
		 RETURNING next_seq - 1`,
		key,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, fmt.Errorf("allocate seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, pair_key, seq, sender, recipient, content, sent_at, stored_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, key, seq, in.From, in.To, in.Content, sent, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: StoredMessage{
		ID:       in.ID,
		PairKey:  key,
		Seq:      seq,
		From:     in.From,
		To:       in.To,
		Content:  in.Content,
		SentAt:   sent,
		StoredAt: now,
	}}, nil
}

func (s *PostgresStore) readDuplicate(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	existing, err := readMessageByID(ctx, s.pool, pgIdent(s.schema, "messages"), in.ID)
	if err != nil {
		return AppendMessageResult{}, err
	}
	if !sameMessage(existing, in) {
		return AppendMessageResult{}, ErrIDConflict
	}
	return AppendMessageResult{Stored: existing, Duplicated: true}, nil
}

// FetchHistory returns the pair's messages ordered by seq ASC, paged by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.UserA == "" || in.UserB == "" {
		return FetchHistoryResult{}, ErrInvalidMessage
	}

	limit := clampLimit(in.Limit)
	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE pair_key = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		PairKey(in.UserA, in.UserB), after, limit+1,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

const messageColumns = `id, pair_key, seq, sender, recipient, content, sent_at, stored_at`

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readMessageByID(ctx context.Context, q queryRower, table, id string) (StoredMessage, error) {
	return scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM `+table+` WHERE id = $1`, id))
}

func scanMessage(row pgx.Row) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(&m.ID, &m.PairKey, &m.Seq, &m.From, &m.To, &m.Content, &m.SentAt, &m.StoredAt)
	return m, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
