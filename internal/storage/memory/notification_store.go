package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/apicrawl/apicrawl/internal/crawl"
)

// NotificationStore is an in-memory crawl.NotificationStore.
type NotificationStore struct {
	mu            sync.RWMutex
	notifications map[string]crawl.Notification
}

// NewNotificationStore constructs a NotificationStore.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{notifications: make(map[string]crawl.Notification)}
}

// CreateNotification stores a notification.
func (s *NotificationStore) CreateNotification(_ context.Context, n crawl.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

// ListNotifications returns notifications newest first, optionally only
// unread ones.
func (s *NotificationStore) ListNotifications(_ context.Context, unreadOnly bool) ([]crawl.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// MarkNotificationRead flags one notification as read.
func (s *NotificationStore) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return crawl.ErrNotFound
	}
	n.Read = true
	s.notifications[id] = n
	return nil
}
