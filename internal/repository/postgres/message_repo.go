package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, m.content, m.message_type,
	m.attachment, m.location, m.reply_to, m.forwarded_from, COALESCE(m.client_nonce, ''),
	m.state, m.edit_history, m.edited_at, m.deleted_at, m.deleted_by, m.created_at`

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type,
		&m.Attachment, &m.Location, &m.ReplyTo, &m.ForwardedFrom, &m.Nonce,
		&m.State, &m.History, &m.EditedAt, &m.DeletedAt, &m.DeletedBy, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create stamps created_at with clock_timestamp() so ordering follows the
// store clock, not the caller's. With a slow-mode gap the sender's
// participant row is locked first, which serialises that sender's inserts.
func (r *MessageRepo) Create(ctx context.Context, msg *domain.Message, minGap time.Duration) error {
	var nonce *string
	if msg.Nonce != "" {
		nonce = &msg.Nonce
	}
	if msg.State == "" {
		msg.State = domain.StateActive
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if minGap > 0 {
		var locked int
		err := tx.QueryRow(ctx, `
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
			FOR UPDATE`, msg.ConversationID, msg.SenderID).Scan(&locked)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var last *time.Time
		var now time.Time
		err = tx.QueryRow(ctx, `
			SELECT MAX(created_at), clock_timestamp() FROM messages
			WHERE conversation_id = $1 AND sender_id = $2`,
			msg.ConversationID, msg.SenderID).Scan(&last, &now)
		if err != nil {
			return err
		}
		if last != nil {
			if elapsed := now.Sub(*last); elapsed < minGap {
				return &repository.SlowModeError{RetryAfter: minGap - elapsed}
			}
		}
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type,
			attachment, location, reply_to, forwarded_from, client_nonce, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, clock_timestamp())
		RETURNING created_at`
	err = tx.QueryRow(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
		msg.Attachment, msg.Location, msg.ReplyTo, msg.ForwardedFrom, nonce, msg.State,
	).Scan(&msg.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *MessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (r *MessageRepo) GetByNonce(ctx context.Context, conversationID, senderID uuid.UUID, nonce string) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id = $2 AND m.client_nonce = $3`,
		conversationID, senderID, nonce)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (r *MessageRepo) GetPreviews(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessagePreview, error) {
	out := make(map[uuid.UUID]domain.MessagePreview, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, sender_id, content, message_type, state
		FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &m.Type, &m.State); err != nil {
			return nil, err
		}
		out[m.ID] = m.ToPreview()
	}
	return out, rows.Err()
}

func (r *MessageRepo) List(ctx context.Context, conversationID uuid.UUID, q repository.HistoryQuery) ([]domain.Message, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	// A cursor id that does not exist yields NULL and an empty page.
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
			AND ($2 OR m.state <> 'deleted')
			AND ($3::uuid IS NULL OR (m.created_at, m.id) <
				(SELECT b.created_at, b.id FROM messages b WHERE b.id = $3))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $4 OFFSET $5`

	rows, err := r.pool.Query(ctx, query, conversationID, q.IncludeDeleted, q.Before, limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	// Reverse into chronological order (query returns DESC)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (r *MessageRepo) Count(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	return n, err
}

func (r *MessageRepo) Latest(ctx context.Context, conversationID uuid.UUID) (*domain.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = $1 AND m.state <> 'deleted'
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`, conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// Edit appends the previous content to edit_history in the same statement,
// so concurrent edits never drop a revision.
func (r *MessageRepo) Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET edit_history = edit_history || jsonb_build_array(
				jsonb_build_object('content', content, 'edited_at', $3::timestamptz)),
			content = $2, state = 'edited', edited_at = $3
		WHERE id = $1 AND state <> 'deleted'`, id, content, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id, by uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET state = 'deleted', content = $4, attachment = NULL, location = NULL,
			edit_history = '[]'::jsonb, deleted_at = $3, deleted_by = $2
		WHERE id = $1 AND state <> 'deleted'`, id, by, at, domain.Tombstone)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepo) UpsertReaction(ctx context.Context, messageID uuid.UUID, reaction domain.Reaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, reacted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET emoji = EXCLUDED.emoji, reacted_at = EXCLUDED.reacted_at`,
		messageID, reaction.UserID, reaction.Emoji, reaction.ReactedAt)
	return err
}

func (r *MessageRepo) DeleteReaction(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepo) Reactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.Reaction, error) {
	out := make(map[uuid.UUID][]domain.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT message_id, user_id, emoji, reacted_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY reacted_at`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var re domain.Reaction
		if err := rows.Scan(&id, &re.UserID, &re.Emoji, &re.ReactedAt); err != nil {
			return nil, err
		}
		out[id] = append(out[id], re)
	}
	return out, rows.Err()
}

func (r *MessageRepo) MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, $3 FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.state <> 'deleted'
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id`, conversationID, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *MessageRepo) ReadReceipts(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.ReadReceipt, error) {
	out := make(map[uuid.UUID][]domain.ReadReceipt, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY read_at`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var rr domain.ReadReceipt
		if err := rows.Scan(&id, &rr.UserID, &rr.ReadAt); err != nil {
			return nil, err
		}
		out[id] = append(out[id], rr)
	}
	return out, rows.Err()
}
