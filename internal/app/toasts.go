package app

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// NotificationType is the severity of a toast.
type NotificationType int

// Toast severities. NotificationLoading renders with the spinner.
const (
	NotificationSuccess NotificationType = iota
	NotificationError
	NotificationWarning
	NotificationInfo
	NotificationLoading
)

// LoadingNotificationID is the fixed ID of the single loading toast.
const LoadingNotificationID = "__loading__"

const maxNotifications = 6

func (n NotificationType) String() string {
	switch n {
	case NotificationSuccess:
		return "success"
	case NotificationError:
		return "error"
	case NotificationWarning:
		return "warning"
	case NotificationInfo:
		return "info"
	case NotificationLoading:
		return "loading"
	default:
		return "unknown"
	}
}

// Notification is a toast shown in the top right corner. A zero Duration
// never expires.
type Notification struct {
	CreatedAt time.Time
	ID        string
	Message   string
	Type      NotificationType
	Duration  time.Duration
}

// IsExpired reports whether the toast has outlived its duration.
func (n *Notification) IsExpired() bool {
	return n.Duration > 0 && time.Since(n.CreatedAt) > n.Duration
}

// AddNotification queues a toast and returns its ID. The oldest toasts are
// dropped once more than maxNotifications are queued.
func (s *State) AddNotification(kind NotificationType, message string, d time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := Notification{
		ID:        uuid.NewString(),
		Type:      kind,
		Message:   message,
		CreatedAt: time.Now(),
		Duration:  d,
	}
	s.toasts = append(s.toasts, n)
	if over := len(s.toasts) - maxNotifications; over > 0 {
		s.toasts = slices.Delete(s.toasts, 0, over)
	}
	return n.ID
}

// RemoveNotification drops the toast with id.
func (s *State) RemoveNotification(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = slices.DeleteFunc(s.toasts, func(n Notification) bool { return n.ID == id })
}

// ClearExpiredNotifications drops every expired toast.
func (s *State) ClearExpiredNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = slices.DeleteFunc(s.toasts, func(n Notification) bool { return n.IsExpired() })
}

// GetNotifications returns the live toasts, oldest first.
func (s *State) GetNotifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.toasts))
	for _, n := range s.toasts {
		if !n.IsExpired() {
			out = append(out, n)
		}
	}
	return out
}

// SetLoadingNotification shows or relabels the loading toast.
func (s *State) SetLoadingNotification(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.IndexFunc(s.toasts, isLoadingToast); i >= 0 {
		s.toasts[i].Message = message
		return
	}
	s.toasts = append(s.toasts, Notification{
		ID:        LoadingNotificationID,
		Type:      NotificationLoading,
		Message:   message,
		CreatedAt: time.Now(),
	})
}

// ClearLoadingNotification hides the loading toast.
func (s *State) ClearLoadingNotification() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = slices.DeleteFunc(s.toasts, isLoadingToast)
}

func isLoadingToast(n Notification) bool { return n.ID == LoadingNotificationID }
