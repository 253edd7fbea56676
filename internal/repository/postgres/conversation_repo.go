package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

const conversationColumns = `
	c.id, c.is_group, c.group_name, c.group_description, COALESCE(c.direct_key, ''), c.created_by,
	c.slow_mode, c.slow_mode_delay_seconds, c.allow_files, c.allow_invites,
	c.last_message, c.last_activity, c.is_active, c.created_at,
	ARRAY(SELECT cp.user_id FROM conversation_participants cp
		WHERE cp.conversation_id = c.id ORDER BY cp.joined_at, cp.user_id),
	ARRAY(SELECT cp.user_id FROM conversation_participants cp
		WHERE cp.conversation_id = c.id AND cp.role = 'admin' ORDER BY cp.joined_at, cp.user_id)`

// Search matches the group name or the name of any other participant.
const conversationSearch = `
	c.is_active AND ($2::text = '' OR c.group_name ILIKE '%' || $2 || '%' OR EXISTS (
		SELECT 1 FROM conversation_participants op
		JOIN users u ON u.id = op.user_id
		WHERE op.conversation_id = c.id AND op.user_id <> $1
			AND (u.username ILIKE '%' || $2 || '%' OR u.display_name ILIKE '%' || $2 || '%')))`

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*domain.Conversation, error) {
	var c domain.Conversation
	dest := []any{
		&c.ID, &c.IsGroup, &c.GroupName, &c.GroupDescription, &c.DirectKey, &c.CreatedBy,
		&c.Settings.SlowMode, &c.Settings.SlowModeDelaySeconds, &c.Settings.AllowFiles, &c.Settings.AllowInvites,
		&c.LastMessage, &c.LastActivity, &c.IsActive, &c.CreatedAt,
		&c.Participants, &c.Admins,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	inserted, err := r.insert(ctx, tx, conv, `ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	if !inserted {
		return repository.ErrDuplicate
	}
	if err := insertParticipants(ctx, tx, conv); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ConversationRepo) CreateDirect(ctx context.Context, conv *domain.Conversation) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := r.insert(ctx, tx, conv, `ON CONFLICT (direct_key) DO NOTHING`)
	if err != nil || !inserted {
		return false, err
	}
	if err := insertParticipants(ctx, tx, conv); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *ConversationRepo) insert(ctx context.Context, tx pgx.Tx, conv *domain.Conversation, conflict string) (bool, error) {
	var directKey *string
	if conv.DirectKey != "" {
		directKey = &conv.DirectKey
	}
	query := `
		INSERT INTO conversations (id, is_group, group_name, group_description, direct_key, created_by,
			slow_mode, slow_mode_delay_seconds, allow_files, allow_invites,
			last_message, last_activity, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) ` + conflict
	tag, err := tx.Exec(ctx, query,
		conv.ID, conv.IsGroup, conv.GroupName, conv.GroupDescription, directKey, conv.CreatedBy,
		conv.Settings.SlowMode, conv.Settings.SlowModeDelaySeconds, conv.Settings.AllowFiles, conv.Settings.AllowInvites,
		conv.LastMessage, conv.LastActivity, conv.IsActive, conv.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func insertParticipants(ctx context.Context, tx pgx.Tx, conv *domain.Conversation) error {
	batch := &pgx.Batch{}
	for _, p := range conv.Participants {
		role := domain.RoleMember
		if conv.IsAdmin(p) {
			role = domain.RoleAdmin
		}
		batch.Queue(`
			INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)`, conv.ID, p, role, conv.CreatedAt)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

func (r *ConversationRepo) GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key = $1`, key)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID, filter repository.ConversationFilter) ([]domain.Conversation, int, error) {
	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		WHERE ` + conversationSearch
	if err := r.pool.QueryRow(ctx, countQuery, userID, filter.Search).Scan(&total); err != nil {
		return nil, 0, err
	}

	// LIMIT NULL means no limit.
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query := `
		SELECT ` + conversationColumns + `, p.unread_count
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		WHERE ` + conversationSearch + `
		ORDER BY c.last_activity DESC, c.id DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, query, userID, filter.Search, limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		var unread int
		conv, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, 0, err
		}
		conv.UnreadCount = unread
		convs = append(convs, *conv)
	}
	return convs, total, rows.Err()
}

func (r *ConversationRepo) ListContacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT o.user_id
		FROM conversation_participants me
		JOIN conversations c ON c.id = me.conversation_id AND c.is_active
		JOIN conversation_participants o ON o.conversation_id = me.conversation_id AND o.user_id <> me.user_id
		WHERE me.user_id = $1`
	rows, err := r.pool.Query(ctx, query, userID)
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

func (r *ConversationRepo) UpdateGroup(ctx context.Context, id uuid.UUID, name, description *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET group_name = COALESCE($2, group_name), group_description = COALESCE($3, group_description)
		WHERE id = $1`, id, name, description)
	return err
}

func (r *ConversationRepo) UpdateSettings(ctx context.Context, id uuid.UUID, s domain.Settings) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET slow_mode = $2, slow_mode_delay_seconds = $3, allow_files = $4, allow_invites = $5
		WHERE id = $1`, id, s.SlowMode, s.SlowModeDelaySeconds, s.AllowFiles, s.AllowInvites)
	return err
}

func (r *ConversationRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE conversations SET is_active = $2 WHERE id = $1`, id, active)
	return err
}

func (r *ConversationRepo) AddParticipant(ctx context.Context, id, userID uuid.UUID, role string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, clock_timestamp())
		ON CONFLICT DO NOTHING`, id, userID, role)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ConversationRepo) RemoveParticipant(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ConversationRepo) SetRole(ctx context.Context, id, userID uuid.UUID, role string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversation_participants SET role = $3
		WHERE conversation_id = $1 AND user_id = $2`, id, userID, role)
	return err
}

func (r *ConversationRepo) ListMembers(ctx context.Context, id uuid.UUID) ([]domain.Member, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, role, unread_count, joined_at
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.UserID, &m.Role, &m.UnreadCount, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *ConversationRepo) GetUnread(ctx context.Context, id, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT unread_count FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`, id, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// IncrementUnread claims the message's unread_counted flag and bumps the
// counters in the same statement, so a message already covered by a
// recount is never added twice.
func (r *ConversationRepo) IncrementUnread(ctx context.Context, id, messageID, exceptUserID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		WITH claimed AS (
			UPDATE messages SET unread_counted = TRUE
			WHERE id = $2 AND conversation_id = $1 AND NOT unread_counted
			RETURNING id
		)
		UPDATE conversation_participants cp SET unread_count = cp.unread_count + 1
		FROM claimed
		WHERE cp.conversation_id = $1 AND cp.user_id <> $3`,
		id, messageID, exceptUserID)
	return err
}

func (r *ConversationRepo) DecrementUnread(ctx context.Context, id, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversation_participants SET unread_count = GREATEST(unread_count - 1, 0)
		WHERE conversation_id = $1 AND user_id = $2`, id, userID)
	return err
}

func (r *ConversationRepo) ResetUnread(ctx context.Context, id, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversation_participants SET unread_count = 0
		WHERE conversation_id = $1 AND user_id = $2`, id, userID)
	return err
}

// RecountUnread marks every message of the conversation as counted before
// recomputing, so a concurrent IncrementUnread either lands first and is
// overwritten by a count that includes it, or finds its message claimed.
func (r *ConversationRepo) RecountUnread(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET unread_counted = TRUE
		WHERE conversation_id = $1 AND NOT unread_counted`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversation_participants cp SET unread_count = (
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = cp.conversation_id
				AND m.sender_id <> cp.user_id
				AND m.state <> 'deleted'
				AND m.created_at >= cp.joined_at
				AND NOT EXISTS (
					SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = cp.user_id))
		WHERE cp.conversation_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ConversationRepo) TouchLastMessage(ctx context.Context, id uuid.UUID, last domain.LastMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET last_message = $2, last_activity = $3
		WHERE id = $1
			AND (last_message IS NULL OR (last_message->>'created_at')::timestamptz <= $3)`, id, last, last.CreatedAt)
	return err
}

func (r *ConversationRepo) ReplaceLastMessage(ctx context.Context, id uuid.UUID, last *domain.LastMessage) error {
	var at any
	if last != nil {
		at = last.CreatedAt
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2, last_activity = GREATEST(last_activity, COALESCE($3::timestamptz, last_activity))
		WHERE id = $1`, id, last, at)
	return err
}
