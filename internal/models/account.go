// Package models defines data structures and domain types.
package models

import (
	"encoding/json"
	"maps"
	"time"
)

// Account is one upstream OAuth credential together with its mutable
// routing state. Index is assigned when the account joins the pool and is
// never reused for the lifetime of the process.
type Account struct {
	AccessExpiry        time.Time        `json:"-"`
	LastUsed            time.Time        `json:"lastUsed"`
	AddedAt             time.Time        `json:"addedAt"`
	ToastShownAt        time.Time        `json:"-"`
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`
	AccessToken         string           `json:"-"`
	RefreshToken        string           `json:"refreshToken"`
	ProjectID           string           `json:"projectId,omitempty"`
	ManagedProjectID    string           `json:"managedProjectId,omitempty"`
	Email               string           `json:"email"`
	Index               int              `json:"-"`
}

// GetEmail returns the account email.
func (a *Account) GetEmail() string {
	return a.Email
}

// GetRefreshToken returns the refresh token.
func (a *Account) GetRefreshToken() string {
	return a.RefreshToken
}

// Label returns a human readable identifier for logs and toasts.
func (a *Account) Label() string {
	if a.Email != "" {
		return a.Email
	}
	return "account #" + itoa(a.Index)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() Account {
	clone := *a
	if a.RateLimitResetTimes != nil {
		clone.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
		maps.Copy(clone.RateLimitResetTimes, a.RateLimitResetTimes)
	}
	return clone
}

// Credential is the token material handed to and returned from a refresh.
type Credential struct {
	Expiry       time.Time
	AccessToken  string
	RefreshToken string
	Email        string
}

// Expired reports whether the access token is missing or expires within skew.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.Expiry)
}

// RawAccountData represents the JSON structure of an account in the accounts file.
// Timestamps are accepted as ISO strings or unix numbers.
type RawAccountData struct {
	RateLimitResetTimes map[string]float64 `json:"rateLimitResetTimes,omitempty"`
	Email               string             `json:"email"`
	RefreshToken        string             `json:"refreshToken"`
	ProjectID           string             `json:"projectId"`
	ManagedProjectID    string             `json:"managedProjectId,omitempty"`
	AddedAt             json.RawMessage    `json:"addedAt,omitempty"`
	LastUsed            json.RawMessage    `json:"lastUsed,omitempty"`
}

// RawAccountsFile represents the top-level structure of the accounts JSON file.
type RawAccountsFile struct {
	ActiveIndexByFamily map[string]int   `json:"activeIndexByFamily,omitempty"`
	Accounts            []RawAccountData `json:"accounts"`
	Version             int              `json:"version"`
	ActiveIndex         int              `json:"activeIndex"`
}

// AccountsFileVersion is the pool file version written by this program.
const AccountsFileVersion = 3

// ToAccount converts RawAccountData to Account, parsing date fields.
func (r *RawAccountData) ToAccount() Account {
	acc := Account{
		Email:            r.Email,
		RefreshToken:     r.RefreshToken,
		ProjectID:        r.ProjectID,
		ManagedProjectID: r.ManagedProjectID,
	}

	if r.RateLimitResetTimes != nil {
		acc.RateLimitResetTimes = make(map[string]int64, len(r.RateLimitResetTimes))
		for k, v := range r.RateLimitResetTimes {
			acc.RateLimitResetTimes[k] = int64(v)
		}
	}

	if len(r.AddedAt) > 0 {
		acc.AddedAt = parseTimeField(r.AddedAt)
	}
	if len(r.LastUsed) > 0 {
		acc.LastUsed = parseTimeField(r.LastUsed)
	}

	return acc
}

// FromAccount converts an Account into its on-disk shape. Times are written
// as epoch milliseconds and expired cooldowns are dropped.
func FromAccount(a *Account, now time.Time) RawAccountData {
	raw := RawAccountData{
		Email:            a.Email,
		RefreshToken:     a.RefreshToken,
		ProjectID:        a.ProjectID,
		ManagedProjectID: a.ManagedProjectID,
	}
	if !a.AddedAt.IsZero() {
		raw.AddedAt = json.RawMessage(itoa64(a.AddedAt.UnixMilli()))
	}
	if !a.LastUsed.IsZero() {
		raw.LastUsed = json.RawMessage(itoa64(a.LastUsed.UnixMilli()))
	}
	nowMs := now.UnixMilli()
	for k, v := range a.RateLimitResetTimes {
		if v <= nowMs {
			continue
		}
		if raw.RateLimitResetTimes == nil {
			raw.RateLimitResetTimes = make(map[string]float64)
		}
		raw.RateLimitResetTimes[k] = float64(v)
	}
	return raw
}

// parseTimeField attempts to parse a JSON time value as either ISO string or Unix timestamp.
func parseTimeField(data json.RawMessage) time.Time {
	var strVal string
	if err := json.Unmarshal(data, &strVal); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, strVal); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", strVal); err == nil {
			return t
		}
	}

	var numVal float64
	if err := json.Unmarshal(data, &numVal); err == nil {
		if numVal > 1e12 {
			return time.UnixMilli(int64(numVal))
		}
		return time.Unix(int64(numVal), 0)
	}

	return time.Time{}
}

// AccountStatus is a read-only view of one account for status surfaces.
type AccountStatus struct {
	LastUsed     time.Time            `json:"lastUsed"`
	Cooldowns    map[string]time.Time `json:"cooldowns,omitempty"`
	Email        string               `json:"email"`
	ProjectID    string               `json:"projectId,omitempty"`
	ActiveFor    []ModelFamily        `json:"activeFor,omitempty"`
	Index        int                  `json:"index"`
	Failures     int                  `json:"failures"`
	TokenExpired bool                 `json:"tokenExpired"`
}
