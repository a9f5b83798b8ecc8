package app

import (
	"testing"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services"
)

func TestNewState(t *testing.T) {
	s := NewState()
	if s == nil {
		t.Fatal("NewState returned nil")
	}
	if s.GetAccountCount() != 0 {
		t.Error("pool should be empty")
	}
	if !s.IsInitialLoading() {
		t.Error("initial load should be pending")
	}
}

func TestState_SetLoading(t *testing.T) {
	s := NewState()

	s.SetLoading(ResourceAccounts, true)
	if !s.IsLoading(ResourceAccounts) {
		t.Error("Accounts loading should be true")
	}
	if !s.AnyLoading() {
		t.Error("AnyLoading should be true")
	}

	s.SetLoading(ResourceAccounts, false)
	// Initial is still true
	if !s.AnyLoading() {
		t.Error("AnyLoading should be true (Initial is true)")
	}

	s.SetLoading(ResourceInitial, false)
	if s.AnyLoading() {
		t.Error("AnyLoading should be false")
	}

	resources := s.GetLoadingResources()
	if len(resources) != 0 {
		t.Errorf("GetLoadingResources should be empty, got %v", resources)
	}

	s.SetLoading(ResourceStats, true)
	s.SetLoading(ResourceAccounts, true)
	resources = s.GetLoadingResources()
	if len(resources) != 2 || resources[0] != ResourceAccounts || resources[1] != ResourceStats {
		t.Errorf("GetLoadingResources = %v, want sorted accounts, stats", resources)
	}
}

func TestState_Accounts(t *testing.T) {
	s := NewState()

	accs := []models.AccountStatus{
		{Index: 0, Email: "a@test.com"},
		{Index: 1, Email: "b@test.com", ActiveFor: []models.ModelFamily{models.FamilyClaude}},
	}

	s.SetAccounts(accs)

	if s.GetAccountCount() != 2 {
		t.Errorf("GetAccountCount = %d, want 2", s.GetAccountCount())
	}

	active := s.ActiveFor(models.FamilyClaude)
	if active == nil {
		t.Fatal("ActiveFor(claude) returned nil")
	}
	if active.Email != "b@test.com" {
		t.Errorf("active email = %s, want b@test.com", active.Email)
	}
	if s.ActiveFor(models.FamilyGemini) != nil {
		t.Error("no account should be active for gemini")
	}

	gotAccs := s.GetAccounts()
	if len(gotAccs) != 2 {
		t.Errorf("GetAccounts returned %d items", len(gotAccs))
	}
}

func TestState_SelectionClampedOnShrink(t *testing.T) {
	s := NewState()
	s.SetAccounts([]models.AccountStatus{{Email: "a"}, {Email: "b"}, {Email: "c"}})
	s.SetSelectedAccountIndex(2)

	s.SetAccounts([]models.AccountStatus{{Email: "a"}})
	if s.GetSelectedAccountIndex() != 0 {
		t.Errorf("selection = %d, want 0", s.GetSelectedAccountIndex())
	}
	if got := s.GetSelectedAccount(); got == nil || got.Email != "a" {
		t.Errorf("GetSelectedAccount = %+v", got)
	}

	s.SetAccounts(nil)
	if s.GetSelectedAccount() != nil {
		t.Error("empty pool should have no selection")
	}
}

func TestState_RecentCalls(t *testing.T) {
	s := NewState()
	for i := range maxRecentCalls + 5 {
		s.RecordCall(models.APICall{Attempt: i})
	}

	got := s.RecentCalls(3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Attempt != maxRecentCalls+4 || got[2].Attempt != maxRecentCalls+2 {
		t.Errorf("calls not newest first: %d, %d", got[0].Attempt, got[2].Attempt)
	}
	if len(s.RecentCalls(1000)) != maxRecentCalls {
		t.Errorf("ring should hold %d calls", maxRecentCalls)
	}
}

func TestState_Stats(t *testing.T) {
	s := NewState()
	stats := services.StatsEvent{AccountCount: 10}

	s.SetStats(stats)
	got := s.GetStats()
	if got == nil {
		t.Fatal("GetStats returned nil")
	}
	if got.AccountCount != 10 {
		t.Errorf("AccountCount = %d, want 10", got.AccountCount)
	}
}

func TestState_SelectedAccountIndex(t *testing.T) {
	s := NewState()

	s.SetSelectedAccountIndex(5)
	if s.GetSelectedAccountIndex() != 5 {
		t.Errorf("GetSelectedAccountIndex = %d, want 5", s.GetSelectedAccountIndex())
	}
}

func TestState_TimeSinceUpdate(t *testing.T) {
	s := NewState()
	if s.TimeSinceUpdate() != 0 {
		t.Error("TimeSinceUpdate should be 0 before any update")
	}

	s.SetAccounts([]models.AccountStatus{{Email: "a@test.com"}})
	time.Sleep(time.Millisecond)

	if s.GetLastUpdated().IsZero() {
		t.Error("LastUpdated should be set")
	}
	if s.TimeSinceUpdate() == 0 {
		t.Error("TimeSinceUpdate should be > 0")
	}
}
