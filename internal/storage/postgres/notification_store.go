package postgres

import (
	"context"
	"fmt"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// NotificationStore persists dashboard notifications.
type NotificationStore struct {
	db DB
}

// NewNotificationStore constructs a NotificationStore on an open pool.
func NewNotificationStore(db DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// CreateNotification inserts one notification.
func (s *NotificationStore) CreateNotification(ctx context.Context, n crawl.Notification) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO notifications (id, job_id, type, message, read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		n.ID, n.JobID, string(n.Type), n.Message, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns notifications newest first, optionally only
// unread ones.
func (s *NotificationStore) ListNotifications(ctx context.Context, unreadOnly bool) ([]crawl.Notification, error) {
	query := `SELECT id, job_id, type, message, read, created_at FROM notifications`
	if unreadOnly {
		query += ` WHERE read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []crawl.Notification
	for rows.Next() {
		var (
			n     crawl.Notification
			ntype string
		)
		if err := rows.Scan(&n.ID, &n.JobID, &ntype, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = crawl.NotificationType(ntype)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead flags one notification as read.
func (s *NotificationStore) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}
