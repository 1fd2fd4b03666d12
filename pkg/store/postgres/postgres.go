// Package postgres implements the conversation store on PostgreSQL via
// pgx. Sequence assignment is a single UPDATE ... RETURNING so concurrent
// writers never observe the same value.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/pressly/goose/v3"

	"github.com/apsara-ai/apsara-live/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pool and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(ctx, databaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

func Migrate(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const conversationColumns = `id, title, type,
	session_live_session_id, session_is_live_active, session_connection_count,
	session_last_activity, session_last_resume_handle,
	stats_total_messages, stats_message_sequence, stats_total_tokens, stats_live_api_interactions,
	created_at, updated_at`

func (s *Store) FindConversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) SaveConversation(ctx context.Context, conv *store.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (
			id, title, type,
			session_live_session_id, session_is_live_active, session_connection_count,
			session_last_activity, session_last_resume_handle,
			stats_total_messages, stats_total_tokens, stats_live_api_interactions,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			type = EXCLUDED.type,
			session_live_session_id = EXCLUDED.session_live_session_id,
			session_is_live_active = EXCLUDED.session_is_live_active,
			session_connection_count = EXCLUDED.session_connection_count,
			session_last_activity = EXCLUDED.session_last_activity,
			session_last_resume_handle = EXCLUDED.session_last_resume_handle,
			stats_total_messages = EXCLUDED.stats_total_messages,
			stats_total_tokens = EXCLUDED.stats_total_tokens,
			stats_live_api_interactions = EXCLUDED.stats_live_api_interactions,
			updated_at = now()`,
		conv.ID, conv.Title, string(conv.Type),
		conv.Session.LiveSessionID, conv.Session.IsLiveActive, conv.Session.ConnectionCount,
		nullTime(conv.Session.LastActivity), conv.Session.LastResumeHandle,
		conv.Stats.TotalMessages, conv.Stats.TotalTokens, conv.Stats.LiveAPIInteractions,
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Store) GetNextSequence(ctx context.Context, conversationID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET stats_message_sequence = stats_message_sequence + 1, updated_at = now()
		WHERE id = $1
		RETURNING stats_message_sequence`, conversationID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *store.Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	liveJSON, err := json.Marshal(msg.LiveContent)
	if err != nil {
		return fmt.Errorf("encode live content: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, conversation_id, message_sequence, role, message_type,
			content_text, attachments, live_content, live_session_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		msg.ID, msg.ConversationID, msg.MessageSequence, string(msg.Role), string(msg.MessageType),
		msg.Text, attachments, liveJSON, msg.LiveSessionID,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) FindMessages(ctx context.Context, filter store.MessageFilter) ([]store.Message, error) {
	query := `
		SELECT id, conversation_id, message_sequence, role, message_type,
		       content_text, attachments, live_content, live_session_id, created_at
		FROM messages WHERE conversation_id = $1`
	args := []any{filter.ConversationID}
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		query += fmt.Sprintf(" AND role = $%d", len(args))
	}
	if filter.ExcludeSession != "" {
		args = append(args, filter.ExcludeSession)
		query += fmt.Sprintf(" AND live_session_id <> $%d", len(args))
	}
	query += " ORDER BY message_sequence DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var (
			m           store.Message
			role, mtype string
			attachments []byte
			liveContent []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MessageSequence, &role, &mtype,
			&m.Text, &attachments, &liveContent, &m.LiveSessionID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = store.Role(role)
		m.MessageType = store.MessageType(mtype)
		if len(attachments) > 0 && string(attachments) != "null" {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		if len(liveContent) > 0 && string(liveContent) != "null" {
			var lc store.LiveContent
			if err := json.Unmarshal(liveContent, &lc); err != nil {
				return nil, fmt.Errorf("decode live content: %w", err)
			}
			m.LiveContent = &lc
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first fetch, oldest-first contract.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) FindStaleLiveSessions(ctx context.Context, cutoff time.Time) ([]*store.Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conversationColumns+`
		FROM conversations
		WHERE session_is_live_active = true AND session_last_activity <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale live sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConversation(row scannable) (*store.Conversation, error) {
	var (
		conv         store.Conversation
		typ          string
		lastActivity sql.NullTime
	)
	err := row.Scan(&conv.ID, &conv.Title, &typ,
		&conv.Session.LiveSessionID, &conv.Session.IsLiveActive, &conv.Session.ConnectionCount,
		&lastActivity, &conv.Session.LastResumeHandle,
		&conv.Stats.TotalMessages, &conv.Stats.MessageSequence, &conv.Stats.TotalTokens,
		&conv.Stats.LiveAPIInteractions,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.Type = store.ConversationType(typ)
	if lastActivity.Valid {
		conv.Session.LastActivity = lastActivity.Time
	}
	return &conv, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ store.Store = (*Store)(nil)
