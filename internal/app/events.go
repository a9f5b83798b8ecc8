package app

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

// handleServiceEvent folds a manager event into the state and returns the
// toast or follow-up load it calls for.
func (m *Model) handleServiceEvent(event services.ServiceEvent) tea.Cmd {
	switch e := event.(type) {
	case services.PoolChangedEvent:
		m.state.SetAccounts(e.Accounts)
		if m.source != nil {
			return loadStatsCmd(m.source)
		}

	case services.StatsEvent:
		m.state.SetStats(e)

	case services.AttemptEvent:
		m.state.RecordCall(e.Call)
		call := e.Call
		return func() tea.Msg { return CallRecordedMsg{Call: call} }

	case services.RateLimitedEvent:
		// Capacity 429s retry on the same account within seconds.
		if e.Capacity {
			return nil
		}
		return notify(NotificationWarning, fmt.Sprintf("%s rate limited (%s), resets in %s",
			e.Account, e.Family, formatWait(e.Delay)))

	case services.AccountSwitchedEvent:
		return notify(NotificationInfo, fmt.Sprintf("%s now served by %s", e.Family, e.To))

	case services.PoolExhaustedEvent:
		if e.Fatal {
			return notify(NotificationError, fmt.Sprintf("All %d accounts exhausted for %s (wait %s)",
				e.Accounts, e.Family, formatWait(e.Wait)))
		}
		return notify(NotificationWarning, fmt.Sprintf("All accounts cooling for %s, waiting %s",
			e.Family, formatWait(e.Wait)))

	case services.AccountRemovedEvent:
		return notify(NotificationError, fmt.Sprintf("Removed %s: %s (%d left)", e.Account, e.Reason, e.Remaining))

	case services.ErrorEvent:
		return notify(NotificationError, fmt.Sprintf("[%s] %v", e.Service, e.Error))
	}
	return nil
}

func formatWait(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}
