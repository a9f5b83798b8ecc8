package app

import (
	"testing"
	"time"
)

func TestToasts_AddRemove(t *testing.T) {
	s := NewState()

	first := s.AddNotification(NotificationInfo, "first", time.Minute)
	second := s.AddNotification(NotificationError, "second", 0)
	if first == "" || first == second {
		t.Fatalf("ids should be unique, got %q and %q", first, second)
	}

	notes := s.GetNotifications()
	if len(notes) != 2 || notes[0].Message != "first" || notes[1].Type != NotificationError {
		t.Fatalf("notifications = %+v", notes)
	}

	s.RemoveNotification(first)
	s.RemoveNotification("missing")
	if notes := s.GetNotifications(); len(notes) != 1 || notes[0].ID != second {
		t.Errorf("after remove = %+v", notes)
	}
}

func TestToasts_Expiry(t *testing.T) {
	s := NewState()
	s.toasts = []Notification{
		{ID: "expired", CreatedAt: time.Now().Add(-2 * time.Minute), Duration: time.Minute},
		{ID: "live", CreatedAt: time.Now(), Duration: time.Minute},
		{ID: "sticky", CreatedAt: time.Now().Add(-time.Hour)},
	}

	// Expired toasts are hidden before they are swept.
	if got := len(s.GetNotifications()); got != 2 {
		t.Errorf("visible = %d, want 2", got)
	}

	s.ClearExpiredNotifications()
	if len(s.toasts) != 2 || s.toasts[0].ID != "live" || s.toasts[1].ID != "sticky" {
		t.Errorf("after sweep = %+v", s.toasts)
	}
}

func TestToasts_Cap(t *testing.T) {
	s := NewState()
	for range maxNotifications + 3 {
		s.AddNotification(NotificationInfo, "n", time.Minute)
	}
	last := s.AddNotification(NotificationWarning, "newest", time.Minute)

	notes := s.GetNotifications()
	if len(notes) != maxNotifications {
		t.Fatalf("notifications = %d, want %d", len(notes), maxNotifications)
	}
	if notes[len(notes)-1].ID != last {
		t.Error("the oldest toasts should be dropped first")
	}
}

func TestToasts_Loading(t *testing.T) {
	s := NewState()
	s.AddNotification(NotificationInfo, "other", 0)

	s.SetLoadingNotification("Loading account pool...")
	s.SetLoadingNotification("Refreshing...")

	var loading []Notification
	for _, n := range s.GetNotifications() {
		if n.ID == LoadingNotificationID {
			loading = append(loading, n)
		}
	}
	if len(loading) != 1 || loading[0].Message != "Refreshing..." || loading[0].Type != NotificationLoading {
		t.Fatalf("loading toasts = %+v, want one relabeled toast", loading)
	}

	s.ClearLoadingNotification()
	if notes := s.GetNotifications(); len(notes) != 1 || notes[0].Message != "other" {
		t.Errorf("after clear = %+v", notes)
	}
}

func TestNotificationType_String(t *testing.T) {
	tests := []struct {
		t    NotificationType
		want string
	}{
		{NotificationSuccess, "success"},
		{NotificationError, "error"},
		{NotificationWarning, "warning"},
		{NotificationInfo, "info"},
		{NotificationLoading, "loading"},
		{NotificationType(999), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
