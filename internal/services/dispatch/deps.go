package dispatch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/auth"
	"github.com/j-veylop/antigravity-dispatch/internal/services/stream"
	"github.com/j-veylop/antigravity-dispatch/internal/services/upstream"
)

// AccountPool is the account selection and cooldown state the dispatcher
// drives. accounts.Manager implements it.
type AccountPool interface {
	Count() int
	GetNextForFamilyExcept(family models.ModelFamily, skip func(*models.Account) bool) *models.Account
	GetMinWaitTimeForFamily(family models.ModelFamily) time.Duration
	MarkRateLimited(acc *models.Account, delay time.Duration, family models.ModelFamily, style models.HeaderStyle)
	MarkCoolingDown(acc *models.Account, delay time.Duration, family models.ModelFamily, reason string)
	IsRateLimitedForHeaderStyle(acc *models.Account, family models.ModelFamily, style models.HeaderStyle) bool
	RemoveAccount(acc *models.Account) bool
	UpdateFromAuth(acc *models.Account, cred models.Credential)
	Credential(acc *models.Account) models.Credential
	Project(acc *models.Account) (projectID, managedProjectID string)
	SetProject(acc *models.Account, projectID, managedProjectID string)
	Label(acc *models.Account) string
	SaveToDisk(ctx context.Context)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred models.Credential) (*models.Credential, error)
}

// ProjectResolver finds the project an account sends requests under.
type ProjectResolver interface {
	Resolve(ctx context.Context, cred models.Credential, stored auth.ProjectContext) (auth.ProjectContext, error)
}

// RequestBuilder shapes upstream requests.
type RequestBuilder interface {
	Build(ctx context.Context, in upstream.BuildInput) (*upstream.Prepared, error)
	BuildWarmup(ctx context.Context, in upstream.BuildInput, sessionID string) (*upstream.Prepared, error)
}

// SignatureStore is the thought signature cache.
type SignatureStore interface {
	Store(key, value string)
	Retrieve(key string) (string, bool)
}

// StreamWrapper rewrites streaming response bodies.
type StreamWrapper interface {
	Wrap(body io.ReadCloser, opts stream.Options) io.ReadCloser
	WrapResponse(resp *http.Response, opts stream.Options)
}

// HTTPDoer sends requests. *http.Client implements it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WarmupLimiter decides whether a session may run another warmup.
type WarmupLimiter interface {
	Begin(sessionID string) bool
	MarkSuccess(sessionID string)
}

// Deps are the collaborators of a Dispatcher. Projects, Signatures,
// Transformer and Warmups are optional.
type Deps struct {
	Pool        AccountPool
	Refresher   TokenRefresher
	Projects    ProjectResolver
	Builder     RequestBuilder
	Client      HTTPDoer
	Signatures  SignatureStore
	Transformer StreamWrapper
	Warmups     WarmupLimiter
}

// AccountSwitchEvent is emitted when a family moves to another account.
type AccountSwitchEvent struct {
	Family    models.ModelFamily
	From      string
	To        string
	FromIndex int
	ToIndex   int
}

// RateLimitEvent is emitted for every 429.
type RateLimitEvent struct {
	Family   models.ModelFamily
	Style    models.HeaderStyle
	Account  string
	Reason   string
	Index    int
	Attempt  int
	Delay    time.Duration
	Capacity bool
}

// ExhaustedEvent is emitted when no account can serve a family. Fatal is set
// when the wait exceeds the configured maximum and the request fails.
type ExhaustedEvent struct {
	Family   models.ModelFamily
	Wait     time.Duration
	Accounts int
	Fatal    bool
}

// AccountRemovedEvent is emitted when a revoked account leaves the pool.
type AccountRemovedEvent struct {
	Account   string
	Reason    string
	Index     int
	Remaining int
}

// Hooks are notified asynchronously; a slow or panicking hook never affects
// the request.
type Hooks struct {
	OnAccountSwitch        func(AccountSwitchEvent)
	OnRateLimited          func(RateLimitEvent)
	OnAllAccountsExhausted func(ExhaustedEvent)
	OnAccountRemoved       func(AccountRemovedEvent)
	OnAttempt              func(models.APICall)
	// ClearCredential runs when the last account was removed.
	ClearCredential func()
}
