package app

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

// Toast lifetimes.
const (
	QuickNotificationDuration   = 3 * time.Second
	DefaultNotificationDuration = 5 * time.Second
	LongNotificationDuration    = 10 * time.Second
)

// tickInterval is the redraw rate of cooldown countdowns.
const tickInterval = time.Second

// PoolSource is the part of the service manager the root model reads.
type PoolSource interface {
	InitialState() ([]models.AccountStatus, services.StatsEvent)
	Snapshot() []models.AccountStatus
	GetStats() services.StatsEvent
	Subscribe() (chan services.ServiceEvent, tea.Cmd)
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return TickMsg{Time: t} })
}

func loadInitialData(src PoolSource) tea.Cmd {
	return func() tea.Msg {
		accounts, stats := src.InitialState()
		return AccountsLoadedMsg{Accounts: accounts, Stats: stats}
	}
}

func loadAccountsCmd(src PoolSource) tea.Cmd {
	return func() tea.Msg {
		return AccountsLoadedMsg{Accounts: src.Snapshot(), Stats: src.GetStats()}
	}
}

func loadStatsCmd(src PoolSource) tea.Cmd {
	return func() tea.Msg { return StatsLoadedMsg{Stats: src.GetStats()} }
}

// subscribeCmd registers with the manager up front so no event published
// during startup is missed.
func subscribeCmd(src PoolSource) tea.Cmd {
	ch, _ := src.Subscribe()
	return func() tea.Msg { return SubscriptionEventMsg{Channel: ch} }
}

// waitForServiceEventCmd blocks for the next event. A closed channel ends
// the subscription with a nil message.
func waitForServiceEventCmd(ch <-chan services.ServiceEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return nil
		}
		return ServiceEventMsg{Event: event}
	}
}

func expireNotificationCmd(id string, after time.Duration) tea.Cmd {
	return tea.Tick(after, func(time.Time) tea.Msg { return RemoveNotificationMsg{ID: id} })
}

func notify(kind NotificationType, message string) tea.Cmd {
	d := DefaultNotificationDuration
	switch kind {
	case NotificationError:
		d = LongNotificationDuration
	case NotificationInfo:
		d = QuickNotificationDuration
	}
	return func() tea.Msg {
		return AddNotificationMsg{Type: kind, Message: message, Duration: d}
	}
}
