package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coursechat/pkg/types"
)

// CreateNotification persists n as unread.
func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var related sql.NullString
		if n.RelatedID != nil {
			related = sql.NullString{String: *n.RelatedID, Valid: true}
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, kind, title, message, related_id, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, n.ID, n.UserID, n.Kind, n.Title, n.Message, related, toNanos(n.CreatedAt)); err != nil {
			return storageError("insert notification", err)
		}
		return nil
	})
}

// MarkNotificationRead flips one notification owned by userID to read.
// Marking an already-read notification succeeds.
func (m *Manager) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var owner string
		err := db.QueryRowContext(ctx,
			"SELECT user_id FROM notifications WHERE id = ?", notificationID,
		).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotificationNotFound
		}
		if err != nil {
			return storageError("query notification", err)
		}
		if owner != userID {
			return types.ErrNotificationForbidden
		}

		if _, err := db.ExecContext(ctx, `
			UPDATE notifications SET is_read = 1, read_at = ?
			WHERE id = ? AND is_read = 0
		`, toNanos(nowUTC()), notificationID); err != nil {
			return storageError("mark notification read", err)
		}
		return nil
	})
}

// MarkAllNotificationsRead is a single bulk update.
func (m *Manager) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	var changed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE notifications SET is_read = 1, read_at = ?
			WHERE user_id = ? AND is_read = 0
		`, toNanos(nowUTC()), userID)
		if err != nil {
			return storageError("mark all read", err)
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	return changed, err
}

// ListNotifications pages newest first by insertion position.
func (m *Manager) ListNotifications(ctx context.Context, userID string, page types.NotificationPage) (*types.NotificationList, error) {
	cursor, err := decodeCursor(page.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(page.Limit)

	rows, err := m.db.QueryContext(ctx, `
		SELECT position, id, user_id, kind, title, message, related_id, is_read, created_at
		FROM notifications
		WHERE user_id = ? AND (? = 0 OR position < ?)
		ORDER BY position DESC
		LIMIT ?
	`, userID, cursor.Position, cursor.Position, limit+1)
	if err != nil {
		return nil, storageError("list notifications", err)
	}
	defer func() { _ = rows.Close() }()

	type positioned struct {
		position int64
		n        *types.Notification
	}
	var items []positioned
	for rows.Next() {
		var (
			p       positioned
			n       types.Notification
			related sql.NullString
			created int64
		)
		if err := rows.Scan(&p.position, &n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message,
			&related, &n.IsRead, &created); err != nil {
			return nil, storageError("scan notification", err)
		}
		if related.Valid {
			r := related.String
			n.RelatedID = &r
		}
		n.CreatedAt = fromNanos(created)
		p.n = &n
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate notifications", err)
	}

	list := &types.NotificationList{Notifications: make([]*types.Notification, 0, limit)}
	if len(items) > limit {
		list.HasMore = true
		items = items[:limit]
		list.NextCursor = encodeCursor(notificationCursor{Position: items[len(items)-1].position})
	}
	for _, item := range items {
		list.Notifications = append(list.Notifications, item.n)
	}

	if err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID,
	).Scan(&list.UnreadCount); err != nil {
		return nil, storageError("count unread notifications", err)
	}
	return list, nil
}

// PruneReadNotifications deletes read notifications created before cutoff.
func (m *Manager) PruneReadNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM notifications WHERE is_read = 1 AND created_at < ?", toNanos(cutoff))
		if err != nil {
			return storageError("prune notifications", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
