package app

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

// fakePool is an in-memory PoolSource.
type fakePool struct {
	ch       chan services.ServiceEvent
	accounts []models.AccountStatus
	stats    services.StatsEvent
}

func (f *fakePool) InitialState() ([]models.AccountStatus, services.StatsEvent) {
	return f.accounts, f.stats
}

func (f *fakePool) Snapshot() []models.AccountStatus { return f.accounts }

func (f *fakePool) GetStats() services.StatsEvent { return f.stats }

func (f *fakePool) Subscribe() (chan services.ServiceEvent, tea.Cmd) {
	if f.ch == nil {
		f.ch = make(chan services.ServiceEvent, 4)
	}
	return f.ch, nil
}

func TestNotify(t *testing.T) {
	tests := []struct {
		kind NotificationType
		want time.Duration
	}{
		{NotificationSuccess, DefaultNotificationDuration},
		{NotificationWarning, DefaultNotificationDuration},
		{NotificationError, LongNotificationDuration},
		{NotificationInfo, QuickNotificationDuration},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			msg, ok := notify(tt.kind, "msg")().(AddNotificationMsg)
			if !ok {
				t.Fatal("expected AddNotificationMsg")
			}
			if msg.Type != tt.kind || msg.Message != "msg" {
				t.Errorf("msg = %+v", msg)
			}
			if msg.Duration != tt.want {
				t.Errorf("Duration = %v, want %v", msg.Duration, tt.want)
			}
		})
	}
}

func TestLoadCommands(t *testing.T) {
	pool := &fakePool{
		accounts: []models.AccountStatus{{Email: "a@example.com"}},
		stats:    services.StatsEvent{AccountCount: 1, Cooling: 1},
	}

	loaded, ok := loadInitialData(pool)().(AccountsLoadedMsg)
	if !ok || len(loaded.Accounts) != 1 || loaded.Stats.Cooling != 1 {
		t.Errorf("initial = %#v", loaded)
	}

	loaded, ok = loadAccountsCmd(pool)().(AccountsLoadedMsg)
	if !ok || loaded.Accounts[0].Email != "a@example.com" {
		t.Errorf("accounts = %#v", loaded)
	}

	stats, ok := loadStatsCmd(pool)().(StatsLoadedMsg)
	if !ok || stats.Stats.AccountCount != 1 {
		t.Errorf("stats = %#v", stats)
	}
}

func TestSubscribeCmd(t *testing.T) {
	pool := &fakePool{}
	msg, ok := subscribeCmd(pool)().(SubscriptionEventMsg)
	if !ok || msg.Channel != pool.ch {
		t.Fatalf("got %#v", msg)
	}
}

func TestWaitForServiceEventCmd_Closed(t *testing.T) {
	ch := make(chan services.ServiceEvent)
	close(ch)
	if msg := waitForServiceEventCmd(ch)(); msg != nil {
		t.Errorf("closed channel should yield nil, got %T", msg)
	}
}

func TestWaitForServiceEventCmd_Wraps(t *testing.T) {
	ch := make(chan services.ServiceEvent, 1)
	ch <- services.StatsEvent{AccountCount: 3}

	msg, ok := waitForServiceEventCmd(ch)().(ServiceEventMsg)
	if !ok {
		t.Fatal("expected ServiceEventMsg")
	}
	if ev, ok := msg.Event.(services.StatsEvent); !ok || ev.AccountCount != 3 {
		t.Errorf("event = %#v", msg.Event)
	}
}

func TestTickAndExpire(t *testing.T) {
	if tick() == nil {
		t.Error("tick returned nil")
	}
	if expireNotificationCmd("id", time.Millisecond) == nil {
		t.Error("expireNotificationCmd returned nil")
	}
}
