package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"classchat/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a ChatStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - CreateMessage bumps chats.next_seq with UPDATE ... RETURNING, which row-locks
//     the chat until commit. Writers to one chat are serialized; other chats
//     are unaffected.
//   - The pair uniqueness index on (LEAST, GREATEST) makes CreateChat race-safe.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "classchat").
// The schema name is validated and safely quoted in queries.
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

// NewPostgresStore constructs a Postgres-backed ChatStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "classchat",
	}
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

// EnsureSchema creates the schema objects when missing. Production
// deployments apply the same DDL through their migration tool.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "__SCHEMA__", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: ensure schema: %w", err)
	}
	return nil
}

const chatColumns = `id, participant_a, participant_b, context, created_at`

// CreateChat inserts the chat or returns the existing row for the pair.
func (s *PostgresStore) CreateChat(ctx context.Context, in NewChatInput) (Chat, error) {
	const op = "realtime.PostgresStore.CreateChat"
	a, b := strings.TrimSpace(in.ParticipantA), strings.TrimSpace(in.ParticipantB)
	if a == "" || b == "" || a == b {
		return Chat{}, opErr(op, ErrInvalidMessage, "two distinct participants required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}

	chats := pgIdent(s.schema, "chats")

	var c Chat
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+chats+` (id, participant_a, participant_b, context, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT ((LEAST(participant_a, participant_b)), (GREATEST(participant_a, participant_b))) DO NOTHING
		 RETURNING `+chatColumns,
		id, a, b, in.Context, now,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.Context, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, fmt.Errorf("%s: %w", op, err)
	}
	// Lost the race: the pair already exists.
	return s.FindChatBetween(ctx, a, b)
}

// FindChatBetween looks the pair up in either order.
func (s *PostgresStore) FindChatBetween(ctx context.Context, userA, userB string) (Chat, error) {
	chats := pgIdent(s.schema, "chats")

	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+`
		   FROM `+chats+`
		  WHERE (participant_a = $1 AND participant_b = $2)
		     OR (participant_a = $2 AND participant_b = $1)
		  LIMIT 1`,
		strings.TrimSpace(userA), strings.TrimSpace(userB),
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.Context, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("realtime.PostgresStore.FindChatBetween", ErrChatNotFound, "")
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// GetChat returns the chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	chats := pgIdent(s.schema, "chats")

	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+chats+` WHERE id = $1`,
		chatID,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.Context, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("realtime.PostgresStore.GetChat", ErrChatNotFound, chatID)
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// CreateMessage persists one message in a single transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, in WriteInput) (Message, error) {
	const op = "realtime.PostgresStore.CreateMessage"
	if err := validateContent(op, in.Body, in.Attachment); err != nil {
		return Message{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chats := pgIdent(s.schema, "chats")
	messages := pgIdent(s.schema, "messages")

	// Seq allocation doubles as the per-chat write lock.
	var (
		seq  int64
		a, b string
	)
	err = tx.QueryRow(ctx,
		`UPDATE `+chats+`
		    SET next_seq = next_seq + 1
		  WHERE id = $1
		RETURNING next_seq - 1, participant_a, participant_b`,
		in.ChatID,
	).Scan(&seq, &a, &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr(op, ErrChatNotFound, in.ChatID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("allocate seq: %w", err)
	}
	if in.SenderID != a && in.SenderID != b {
		return Message{}, opErr(op, ErrNotParticipant, in.SenderID)
	}

	// A retry whose earlier attempt committed finds its row here; returning
	// without commit rolls the seq bump back.
	var key *string
	if in.IdempotencyKey != "" {
		key = &in.IdempotencyKey
		prev, found, err := scanMessage(tx.QueryRow(ctx,
			`SELECT id, seq, chat_id, sender_id, body,
			        attachment_url, attachment_path, attachment_name, attachment_mime, created_at
			   FROM `+messages+`
			  WHERE chat_id = $1 AND idempotency_key = $2`,
			in.ChatID, in.IdempotencyKey,
		))
		if err != nil {
			return Message{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if found {
			return prev, nil
		}
	}

	var attURL, attPath, attName, attMime *string
	if in.Attachment != nil {
		attURL, attPath = &in.Attachment.URL, &in.Attachment.Path
		attName, attMime = &in.Attachment.Name, &in.Attachment.MimeType
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (
		     chat_id, seq, sender_id, body,
		     attachment_url, attachment_path, attachment_name, attachment_mime, created_at,
		     idempotency_key
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		in.ChatID, seq, in.SenderID, in.Body, attURL, attPath, attName, attMime, now, key,
	).Scan(&id); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	out := Message{
		ID:        id,
		Seq:       seq,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Body:      in.Body,
		CreatedAt: now,
	}
	if in.Attachment != nil {
		att := *in.Attachment
		out.Attachment = &att
	}
	return out, nil
}

// ListMessages returns one page; page 1 holds the newest messages.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	page, size := normalizePage(in.Page, in.PageSize)

	if _, err := s.GetChat(ctx, in.ChatID); err != nil {
		return MessagePage{}, err
	}

	messages := pgIdent(s.schema, "messages")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+` WHERE chat_id = $1`,
		in.ChatID,
	).Scan(&total); err != nil {
		return MessagePage{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, chat_id, sender_id, body,
		        attachment_url, attachment_path, attachment_name, attachment_mime, created_at
		   FROM `+messages+`
		  WHERE chat_id = $1
		  ORDER BY seq DESC
		  LIMIT $2 OFFSET $3`,
		in.ChatID, size, (page-1)*size,
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, size)
	for rows.Next() {
		m, _, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	// Rows came newest first; the page is returned oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return MessagePage{
		Messages: msgs,
		Page:     page,
		PageSize: size,
		Total:    total,
		HasMore:  page*size < total,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

// scanMessage reads one message row in the column order the queries above
// select. found is false when the row does not exist.
func scanMessage(row pgx.Row) (m Message, found bool, err error) {
	var attURL, attPath, attName, attMT *string
	err = row.Scan(
		&m.ID, &m.Seq, &m.ChatID, &m.SenderID, &m.Body,
		&attURL, &attPath, &attName, &attMT, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if attPath != nil {
		m.Attachment = &Attachment{
			URL:      deref(attURL),
			Path:     *attPath,
			Name:     deref(attName),
			MimeType: deref(attMT),
		}
	}
	return m, true, nil
}
