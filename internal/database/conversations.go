package database

import (
	"context"
	"database/sql"
	"errors"

	"coursechat/pkg/types"
)

const conversationColumns = `c.id, c.kind, c.course_id, c.name,
	c.last_message_id, c.last_sender_id, c.last_preview, c.last_kind, c.last_seq, c.last_message_at,
	c.created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// GetOrCreateDirect inserts conv unless a conversation with directKey already
// exists, then returns whichever row is stored. Both steps run on the writer
// goroutine so concurrent callers always observe the same conversation.
func (m *Manager) GetOrCreateDirect(ctx context.Context, conv *types.Conversation, directKey string) (*types.Conversation, error) {
	var storedID string
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storageError("begin direct", err)
		}
		defer func() { _ = tx.Rollback() }()

		created := toNanos(conv.CreatedAt)
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversations (id, kind, direct_key, last_activity_at, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, types.ConversationDirect, directKey, created, created)
		if err != nil {
			return storageError("insert direct", err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			if err := insertParticipants(ctx, tx, conv.ID, conv.ParticipantIDs, created); err != nil {
				return err
			}
		}

		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM conversations WHERE direct_key = ?", directKey,
		).Scan(&storedID); err != nil {
			return storageError("lookup direct", err)
		}

		if err := tx.Commit(); err != nil {
			return storageError("commit direct", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.GetConversation(ctx, storedID)
}

// CreateConversation stores a new group conversation and its participants.
func (m *Manager) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storageError("begin conversation", err)
		}
		defer func() { _ = tx.Rollback() }()

		var courseID, name sql.NullString
		if conv.GroupContext != nil {
			courseID = sql.NullString{String: conv.GroupContext.CourseID, Valid: true}
			name = sql.NullString{String: conv.GroupContext.Name, Valid: true}
		}

		created := toNanos(conv.CreatedAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, course_id, name, last_activity_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, conv.ID, conv.Kind, courseID, name, created, created); err != nil {
			return storageError("insert conversation", err)
		}

		if err := insertParticipants(ctx, tx, conv.ID, conv.ParticipantIDs, created); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return storageError("commit conversation", err)
		}
		return nil
	})
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID string, userIDs []string, joinedAt int64) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return storageError("prepare participants", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, userID := range userIDs {
		if _, err := stmt.ExecContext(ctx, conversationID, userID, joinedAt); err != nil {
			return storageError("insert participant", err)
		}
	}
	return nil
}

// GetConversation loads a conversation and its participant set.
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", conversationID)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrConversationNotFound
		}
		return nil, storageError("query conversation", err)
	}

	participants, err := m.participantsOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.ParticipantIDs = participants
	return conv, nil
}

func (m *Manager) participantsOf(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, storageError("query participants", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageError("scan participant", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate participants", err)
	}
	return ids, nil
}

// ListConversationsForUser returns userID's conversations by last activity,
// newest first, each with the viewer's unread count.
func (m *Manager) ListConversationsForUser(ctx context.Context, userID string) ([]*types.Conversation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`,
			(SELECT COUNT(*) FROM messages msg
			 WHERE msg.conversation_id = c.id
			   AND msg.sender_id != p.user_id
			   AND msg.seq > COALESCE(rc.last_seq, 0)) AS unread
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		LEFT JOIN read_cursors rc ON rc.conversation_id = c.id AND rc.user_id = p.user_id
		WHERE p.user_id = ?
		ORDER BY c.last_activity_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, storageError("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*types.Conversation
	byID := make(map[string]*types.Conversation)
	for rows.Next() {
		var unread int
		conv, err := scanConversation(rows, &unread)
		if err != nil {
			return nil, storageError("scan conversation", err)
		}
		conv.UnreadCount = unread
		conversations = append(conversations, conv)
		byID[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate conversations", err)
	}
	if len(conversations) == 0 {
		return conversations, nil
	}

	prows, err := m.db.QueryContext(ctx, `
		SELECT conversation_id, user_id FROM conversation_participants
		WHERE conversation_id IN (
			SELECT conversation_id FROM conversation_participants WHERE user_id = ?
		)
		ORDER BY joined_at, user_id
	`, userID)
	if err != nil {
		return nil, storageError("list participants", err)
	}
	defer func() { _ = prows.Close() }()

	for prows.Next() {
		var convID, participant string
		if err := prows.Scan(&convID, &participant); err != nil {
			return nil, storageError("scan participant", err)
		}
		if conv, ok := byID[convID]; ok {
			conv.ParticipantIDs = append(conv.ParticipantIDs, participant)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, storageError("iterate participants", err)
	}
	return conversations, nil
}

// UnreadCount counts messages past the user's cursor that the user did not send.
func (m *Manager) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var unread int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages msg
		WHERE msg.conversation_id = ?
		  AND msg.sender_id != ?
		  AND msg.seq > COALESCE(
			(SELECT last_seq FROM read_cursors WHERE conversation_id = ? AND user_id = ?), 0)
	`, conversationID, userID, conversationID, userID).Scan(&unread)
	if err != nil {
		return 0, storageError("count unread", err)
	}
	return unread, nil
}

// AddParticipant reports false when the user already belonged to the conversation.
func (m *Manager) AddParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var added bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, conversationID, userID, toNanos(nowUTC()))
		if err != nil {
			if isForeignKeyViolation(err) {
				return types.ErrConversationNotFound
			}
			return storageError("add participant", err)
		}
		n, _ := res.RowsAffected()
		added = n == 1
		return nil
	})
	return added, err
}

func scanConversation(row rowScanner, extra ...interface{}) (*types.Conversation, error) {
	var (
		conv          types.Conversation
		courseID      sql.NullString
		name          sql.NullString
		lastMessageID sql.NullString
		lastSenderID  sql.NullString
		lastPreview   sql.NullString
		lastKind      sql.NullString
		lastSeq       int64
		lastMessageAt sql.NullInt64
		createdAt     int64
	)

	dest := []interface{}{
		&conv.ID, &conv.Kind, &courseID, &name,
		&lastMessageID, &lastSenderID, &lastPreview, &lastKind, &lastSeq, &lastMessageAt,
		&createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	conv.CreatedAt = fromNanos(createdAt)
	if conv.Kind == types.ConversationGroup {
		conv.GroupContext = &types.GroupContext{CourseID: courseID.String, Name: name.String}
	}
	if lastMessageID.Valid {
		conv.LastMessageSummary = &types.MessageSummary{
			MessageID: lastMessageID.String,
			SenderID:  lastSenderID.String,
			Preview:   lastPreview.String,
			Kind:      lastKind.String,
			Seq:       lastSeq,
			CreatedAt: fromNanos(lastMessageAt.Int64),
		}
	}
	if conv.ParticipantIDs == nil {
		conv.ParticipantIDs = []string{}
	}
	return &conv, nil
}
