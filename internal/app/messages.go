package app

import (
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

// Pool data.
type (
	// AccountsLoadedMsg carries a fresh pool snapshot and its stats.
	AccountsLoadedMsg struct {
		Accounts []models.AccountStatus
		Stats    services.StatsEvent
	}

	// StatsLoadedMsg carries refreshed pool statistics.
	StatsLoadedMsg struct {
		Stats services.StatsEvent
	}

	// CallRecordedMsg is forwarded to the tabs after every upstream attempt.
	CallRecordedMsg struct {
		Call models.APICall
	}

	// SelectedAccountChangedMsg is sent when the dashboard cursor moves.
	SelectedAccountChangedMsg struct {
		Email string
		Index int
	}
)

// Service subscription.
type (
	// SubscriptionEventMsg hands the event channel to the root model.
	SubscriptionEventMsg struct {
		Channel chan services.ServiceEvent
	}

	// ServiceEventMsg wraps one event from the manager.
	ServiceEventMsg struct {
		Event services.ServiceEvent
	}
)

// Loading and refresh. Resource is one of the Resource* constants.
type (
	StartLoadingMsg struct{ Resource string }
	StopLoadingMsg  struct{ Resource string }
	RefreshMsg      struct{ Resource string }
)

// Toasts.
type (
	// AddNotificationMsg queues a toast. A zero Duration never expires.
	AddNotificationMsg struct {
		Message  string
		Type     NotificationType
		Duration time.Duration
	}

	RemoveNotificationMsg struct{ ID string }

	ClearExpiredNotificationsMsg struct{}

	// ErrorMsg surfaces an error as an error toast.
	ErrorMsg struct{ Error error }
)

// Navigation and timing.
type (
	// TabSwitchMsg activates a tab. The root model emits it after every
	// switch so the shown tab can refresh.
	TabSwitchMsg struct{ Tab TabID }

	ToggleHelpMsg struct{}

	// TickMsg drives cooldown countdowns and toast expiry.
	TickMsg struct{ Time time.Time }
)
