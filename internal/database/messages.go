package database

import (
	"context"
	"database/sql"
	"errors"

	"coursechat/pkg/types"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// AppendMessage stores msg and updates the conversation summary in one
// transaction. msg.Seq is assigned here. CreatedAt is clamped so it never goes
// behind the previous message, keeping (created_at, id) order equal to seq order.
func (m *Manager) AppendMessage(ctx context.Context, msg *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storageError("begin append", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			lastSeq int64
			lastAt  sql.NullInt64
		)
		err = tx.QueryRowContext(ctx,
			"SELECT last_seq, last_message_at FROM conversations WHERE id = ?", msg.ConversationID,
		).Scan(&lastSeq, &lastAt)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrConversationNotFound
		}
		if err != nil {
			return storageError("read sequence", err)
		}

		seq := lastSeq + 1
		created := toNanos(msg.CreatedAt)
		if lastAt.Valid && created < lastAt.Int64 {
			created = lastAt.Int64
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, sender_id, content, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, seq, msg.SenderID, msg.Content, msg.Kind, created); err != nil {
			return storageError("insert message", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_id = ?, last_sender_id = ?, last_preview = ?, last_kind = ?,
			    last_seq = ?, last_message_at = ?, last_activity_at = ?
			WHERE id = ?
		`, msg.ID, msg.SenderID, types.Preview(msg.Content), msg.Kind,
			seq, created, created, msg.ConversationID); err != nil {
			return storageError("update summary", err)
		}

		if err := tx.Commit(); err != nil {
			return storageError("commit append", err)
		}

		msg.Seq = seq
		msg.CreatedAt = fromNanos(created)
		return nil
	})
}

// ListMessages returns one page ordered oldest to newest. With BeforeSeq the
// page ends just before it; with AfterSeq it starts just after it; otherwise
// it is the newest page. HasMore reports whether messages exist beyond the
// page in the direction being paged.
func (m *Manager) ListMessages(ctx context.Context, conversationID string, page types.MessagePage) (*types.MessageList, error) {
	limit := clampLimit(page.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	ascending := false
	switch {
	case page.AfterSeq > 0:
		ascending = true
		rows, err = m.db.QueryContext(ctx, `
			SELECT id, conversation_id, seq, sender_id, content, kind, created_at
			FROM messages WHERE conversation_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT ?
		`, conversationID, page.AfterSeq, limit+1)
	case page.BeforeSeq > 0:
		rows, err = m.db.QueryContext(ctx, `
			SELECT id, conversation_id, seq, sender_id, content, kind, created_at
			FROM messages WHERE conversation_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT ?
		`, conversationID, page.BeforeSeq, limit+1)
	default:
		rows, err = m.db.QueryContext(ctx, `
			SELECT id, conversation_id, seq, sender_id, content, kind, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		`, conversationID, limit+1)
	}
	if err != nil {
		return nil, storageError("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0, limit+1)
	for rows.Next() {
		var (
			msg     types.Message
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderID,
			&msg.Content, &msg.Kind, &created); err != nil {
			return nil, storageError("scan message", err)
		}
		msg.CreatedAt = fromNanos(created)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate messages", err)
	}

	list := &types.MessageList{}
	if len(messages) > limit {
		list.HasMore = true
		messages = messages[:limit]
	}
	if !ascending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	list.Messages = messages
	return list, nil
}

// MarkRead moves the user's cursor to the conversation's newest message.
// The upsert only ever increases last_seq.
func (m *Manager) MarkRead(ctx context.Context, conversationID, userID string) (*types.ReadCursor, bool, error) {
	var advanced bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storageError("begin mark read", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			lastID  sql.NullString
			lastSeq int64
		)
		err = tx.QueryRowContext(ctx,
			"SELECT last_message_id, last_seq FROM conversations WHERE id = ?", conversationID,
		).Scan(&lastID, &lastSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrConversationNotFound
		}
		if err != nil {
			return storageError("read latest", err)
		}
		if !lastID.Valid {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO read_cursors (conversation_id, user_id, last_message_id, last_seq, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET
				last_message_id = excluded.last_message_id,
				last_seq = excluded.last_seq,
				updated_at = excluded.updated_at
			WHERE excluded.last_seq > read_cursors.last_seq
		`, conversationID, userID, lastID.String, lastSeq, toNanos(nowUTC()))
		if err != nil {
			return storageError("upsert cursor", err)
		}
		n, _ := res.RowsAffected()
		advanced = n > 0

		if err := tx.Commit(); err != nil {
			return storageError("commit mark read", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	cursor, err := m.GetReadCursor(ctx, conversationID, userID)
	if err != nil {
		return nil, false, err
	}
	return cursor, advanced, nil
}

// GetReadCursor returns nil when the user has never marked the conversation read.
func (m *Manager) GetReadCursor(ctx context.Context, conversationID, userID string) (*types.ReadCursor, error) {
	var (
		cursor  types.ReadCursor
		updated int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, last_message_id, last_seq, updated_at
		FROM read_cursors WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&cursor.ConversationID, &cursor.UserID,
		&cursor.LastMessageID, &cursor.LastSeq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("query cursor", err)
	}
	cursor.UpdatedAt = fromNanos(updated)
	return &cursor, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
