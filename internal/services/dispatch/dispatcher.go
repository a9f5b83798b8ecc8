package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/auth"
	"github.com/j-veylop/antigravity-dispatch/internal/services/signature"
	"github.com/j-veylop/antigravity-dispatch/internal/services/stream"
	"github.com/j-veylop/antigravity-dispatch/internal/services/upstream"
)

const (
	maxCapacityRetries = 3
	failureRetryDelay  = time.Second
	maxErrorBody       = 1 << 20
)

// Config tunes the retry policy.
type Config struct {
	Endpoints           upstream.Endpoints
	Styles              []models.HeaderStyle
	DebugThinking       string
	MaxRateLimitWait    time.Duration
	ShortRetryThreshold time.Duration
	FailureCooldown     time.Duration
	StateWindow         time.Duration
	TokenSkew           time.Duration
	FailureThreshold    int
	Warmup              bool
	UnwrapResponses     bool
}

func (c Config) withDefaults() Config {
	if c.ShortRetryThreshold <= 0 {
		c.ShortRetryThreshold = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 30 * time.Second
	}
	if c.TokenSkew <= 0 {
		c.TokenSkew = time.Minute
	}
	return c
}

// Request is one client generation call.
type Request struct {
	Model  string
	Action string
	Body   []byte
}

// Dispatcher sends requests through the account pool, rotating accounts,
// header styles and endpoints until one succeeds or the pool is exhausted.
type Dispatcher struct {
	pool        AccountPool
	refresher   TokenRefresher
	projects    ProjectResolver
	builder     RequestBuilder
	client      HTTPDoer
	signatures  SignatureStore
	transformer StreamWrapper
	warmups     WarmupLimiter
	health      *health
	hooks       Hooks
	cfg         Config

	mu          sync.Mutex
	lastAccount map[models.ModelFamily]*models.Account

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher.
func New(cfg Config, deps Deps, hooks Hooks) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		pool:        deps.Pool,
		refresher:   deps.Refresher,
		projects:    deps.Projects,
		builder:     deps.Builder,
		client:      deps.Client,
		signatures:  deps.Signatures,
		transformer: deps.Transformer,
		warmups:     deps.Warmups,
		health:      newHealth(cfg.StateWindow),
		hooks:       hooks,
		cfg:         cfg,
		lastAccount: make(map[models.ModelFamily]*models.Account),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Failures returns the current failure streak of an account index.
func (d *Dispatcher) Failures(index int) int {
	return d.health.failureCount(index, d.now())
}

type state int

const (
	stateSelectAccount state = iota
	stateWaitAllLimited
	stateEnsureToken
	stateEnsureProject
	stateTryHeaderStyle
	stateTryEndpoint
	stateClassify
	stateRetryEndpoint
	stateRetryHeaderStyle
	stateSwitchAccount
	stateReturn
)

var stateNames = [...]string{
	stateSelectAccount:    "select_account",
	stateWaitAllLimited:   "wait_all_limited",
	stateEnsureToken:      "ensure_token",
	stateEnsureProject:    "ensure_project",
	stateTryHeaderStyle:   "try_header_style",
	stateTryEndpoint:      "try_endpoint",
	stateClassify:         "classify",
	stateRetryEndpoint:    "retry_endpoint",
	stateRetryHeaderStyle: "retry_header_style",
	stateSwitchAccount:    "switch_account",
	stateReturn:           "return",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// run is the mutable state of one Dispatch call.
type run struct {
	ctx       context.Context
	sentAt    time.Time
	sendErr   error
	err       error
	acc       *models.Account
	prepared  *upstream.Prepared
	resp      *http.Response
	lastResp  *http.Response
	result    *http.Response
	skip      map[*models.Account]struct{}
	cred      models.Credential
	info      upstream.ModelInfo
	req       Request
	requestID string
	project   string
	style     models.HeaderStyle
	styles    []models.HeaderStyle
	endpoints []string

	styleIdx    int
	endpointIdx int
	attempt     int
}

func (r *run) skipped(acc *models.Account) bool {
	_, ok := r.skip[acc]
	return ok
}

func (r *run) cancel() state {
	r.err = cancelled(r.ctx)
	return stateReturn
}

func (r *run) closeLast() {
	if r.lastResp == nil {
		return
	}
	if err := r.lastResp.Body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
	r.lastResp = nil
}

func (r *run) endpoint() string {
	if r.endpointIdx < len(r.endpoints) {
		return r.endpoints[r.endpointIdx]
	}
	return ""
}

// Dispatch runs the state machine for one request.
func (d *Dispatcher) Dispatch(ctx context.Context, in Request) (*http.Response, error) {
	if in.Model == "" {
		return nil, fmt.Errorf("failed to dispatch: model is required")
	}
	r := &run{
		ctx:       ctx,
		req:       in,
		info:      upstream.Model(in.Model),
		skip:      make(map[*models.Account]struct{}),
		requestID: uuid.NewString(),
	}

	st := stateSelectAccount
	for st != stateReturn {
		if ctx.Err() != nil {
			st = r.cancel()
			break
		}
		next := d.step(r, st)
		logger.Debug("dispatch transition", "request", r.requestID, "from", st, "to", next)
		st = next
	}

	if r.err != nil {
		r.closeLast()
		if r.result != nil {
			_ = r.result.Body.Close()
		}
		return nil, r.err
	}
	return r.result, nil
}

func (d *Dispatcher) step(r *run, st state) state {
	switch st {
	case stateSelectAccount:
		return d.selectAccount(r)
	case stateWaitAllLimited:
		return d.waitAllLimited(r)
	case stateEnsureToken:
		return d.ensureToken(r)
	case stateEnsureProject:
		return d.ensureProject(r)
	case stateTryHeaderStyle:
		return d.tryHeaderStyle(r)
	case stateTryEndpoint:
		return d.tryEndpoint(r)
	case stateClassify:
		return d.classify(r)
	case stateRetryEndpoint:
		r.endpointIdx++
		return stateTryEndpoint
	case stateRetryHeaderStyle:
		r.closeLast()
		r.styleIdx++
		return stateTryHeaderStyle
	case stateSwitchAccount:
		return d.switchAccount(r)
	default:
		r.err = fmt.Errorf("failed to dispatch: unknown state %s", st)
		return stateReturn
	}
}

func (d *Dispatcher) selectAccount(r *run) state {
	if d.pool.Count() == 0 {
		r.err = ErrNoAccounts
		return stateReturn
	}

	acc := d.pool.GetNextForFamilyExcept(r.info.Family, r.skipped)
	if acc == nil {
		if len(r.skip) > 0 && d.pool.GetMinWaitTimeForFamily(r.info.Family) == 0 {
			// Every eligible account already failed during this request.
			clear(r.skip)
			if err := d.sleep(r.ctx, failureRetryDelay); err != nil {
				return r.cancel()
			}
			return stateSelectAccount
		}
		return stateWaitAllLimited
	}

	d.noteSelection(r.info.Family, acc)
	r.acc = acc
	r.styles = r.info.Family.Styles(d.cfg.Styles)
	r.styleIdx = 0
	return stateEnsureToken
}

func (d *Dispatcher) waitAllLimited(r *run) state {
	family := r.info.Family
	wait := d.pool.GetMinWaitTimeForFamily(family)
	if wait == 0 {
		return stateSelectAccount
	}
	if wait < 0 {
		wait = defaultServerDelay
	}

	ev := ExhaustedEvent{Family: family, Wait: wait, Accounts: d.pool.Count()}
	if d.cfg.MaxRateLimitWait > 0 && wait > d.cfg.MaxRateLimitWait {
		ev.Fatal = true
		d.fire("OnAllAccountsExhausted", func() {
			if d.hooks.OnAllAccountsExhausted != nil {
				d.hooks.OnAllAccountsExhausted(ev)
			}
		})
		r.err = fmt.Errorf("%w: every account is rate limited for %s, the next one frees up in %s; add accounts or retry later",
			ErrAllAccountsExhausted, family, wait.Round(time.Second))
		return stateReturn
	}

	d.fire("OnAllAccountsExhausted", func() {
		if d.hooks.OnAllAccountsExhausted != nil {
			d.hooks.OnAllAccountsExhausted(ev)
		}
	})
	logger.Info("all accounts rate limited, waiting", "family", family, "wait", wait, "accounts", ev.Accounts)
	if err := d.sleep(r.ctx, wait); err != nil {
		return r.cancel()
	}
	clear(r.skip)
	return stateSelectAccount
}

func (d *Dispatcher) ensureToken(r *run) state {
	cred := d.pool.Credential(r.acc)
	if !cred.Expired(d.now(), d.cfg.TokenSkew) {
		r.cred = cred
		return stateEnsureProject
	}

	fresh, err := d.refresher.Refresh(r.ctx, cred)
	if r.ctx.Err() != nil {
		return r.cancel()
	}
	switch {
	case auth.IsInvalidGrant(err):
		return d.dropAccount(r, err)
	case err != nil:
		d.recordFailure(r, fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err))
		return stateSelectAccount
	case fresh == nil:
		d.recordFailure(r, fmt.Errorf("%w: no access token returned", ErrTokenRefreshFailed))
		return stateSelectAccount
	}

	d.pool.UpdateFromAuth(r.acc, *fresh)
	d.health.resetFailures(r.acc.Index)
	d.pool.SaveToDisk(r.ctx)
	r.cred = d.pool.Credential(r.acc)
	return stateEnsureProject
}

// dropAccount removes an account whose grant was revoked.
func (d *Dispatcher) dropAccount(r *run, cause error) state {
	acc := r.acc
	label := d.pool.Label(acc)
	r.acc = nil
	delete(r.skip, acc)

	if d.pool.RemoveAccount(acc) {
		d.health.forget(acc.Index)
		d.pool.SaveToDisk(r.ctx)
		ev := AccountRemovedEvent{Account: label, Index: acc.Index, Reason: cause.Error(), Remaining: d.pool.Count()}
		d.fire("OnAccountRemoved", func() {
			if d.hooks.OnAccountRemoved != nil {
				d.hooks.OnAccountRemoved(ev)
			}
		})
	}

	if d.pool.Count() == 0 {
		d.fire("ClearCredential", func() {
			if d.hooks.ClearCredential != nil {
				d.hooks.ClearCredential()
			}
		})
		r.err = fmt.Errorf("%w: %s was revoked and no accounts remain: %w", ErrTokenInvalid, label, cause)
		return stateReturn
	}
	return stateSelectAccount
}

func (d *Dispatcher) ensureProject(r *run) state {
	projectID, managed := d.pool.Project(r.acc)
	stored := auth.ProjectContext{ProjectID: projectID, ManagedProjectID: managed}

	resolved := stored
	if d.projects != nil {
		pc, err := d.projects.Resolve(r.ctx, r.cred, stored)
		if r.ctx.Err() != nil {
			return r.cancel()
		}
		if err != nil {
			d.recordFailure(r, fmt.Errorf("failed to resolve project: %w", err))
			return stateSelectAccount
		}
		resolved = pc
	}
	if resolved != stored {
		d.pool.SetProject(r.acc, resolved.ProjectID, resolved.ManagedProjectID)
		d.pool.SaveToDisk(r.ctx)
	}

	r.project = resolved.Effective()
	r.styleIdx = 0
	return stateTryHeaderStyle
}

func (d *Dispatcher) tryHeaderStyle(r *run) state {
	for ; r.styleIdx < len(r.styles); r.styleIdx++ {
		style := r.styles[r.styleIdx]
		if d.pool.IsRateLimitedForHeaderStyle(r.acc, r.info.Family, style) {
			continue
		}
		r.style = style
		r.endpoints = d.cfg.Endpoints.For(style)
		r.endpointIdx = 0
		return stateTryEndpoint
	}
	return stateSwitchAccount
}

func (d *Dispatcher) tryEndpoint(r *run) state {
	if r.endpointIdx >= len(r.endpoints) {
		if r.lastResp != nil {
			r.result, r.lastResp = r.lastResp, nil
			return stateReturn
		}
		return stateSwitchAccount
	}

	in := upstream.BuildInput{
		Body:        r.req.Body,
		Model:       r.req.Model,
		Action:      r.req.Action,
		AccessToken: r.cred.AccessToken,
		ProjectID:   r.project,
		Endpoint:    r.endpoint(),
		Style:       r.style,
	}
	prepared, err := d.builder.Build(r.ctx, in)
	if err != nil {
		r.err = fmt.Errorf("failed to build request: %w", err)
		return stateReturn
	}

	if d.cfg.Warmup && prepared.NeedsWarmup && d.warmups != nil && d.warmups.Begin(prepared.SessionID) {
		if d.warmup(r, in, prepared) {
			if rebuilt, err := d.builder.Build(r.ctx, in); err == nil {
				prepared = rebuilt
			}
		}
		if r.ctx.Err() != nil {
			return r.cancel()
		}
	}

	r.prepared = prepared
	r.attempt++
	r.sentAt = d.now()
	r.resp, r.sendErr = d.client.Do(prepared.Request)
	return stateClassify
}

// warmup runs a throwaway streaming call to obtain a signed thinking block
// for the session. It reports whether a signature got cached.
func (d *Dispatcher) warmup(r *run, in upstream.BuildInput, prepared *upstream.Prepared) bool {
	if d.transformer == nil || d.signatures == nil {
		return false
	}

	wp, err := d.builder.BuildWarmup(r.ctx, in, prepared.SessionID)
	if err != nil {
		logger.Warn("failed to build warmup request", "error", err)
		return false
	}

	call := d.newCall(r)
	call.Outcome = models.OutcomeWarmup
	start := d.now()
	resp, err := d.client.Do(wp.Request)
	call.DurationMs = int(d.now().Sub(start).Milliseconds())
	if err != nil {
		call.Error = err.Error()
		d.emitAttempt(call)
		logger.Warn("warmup request failed", "session", prepared.SessionID, "error", err)
		return false
	}
	call.StatusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := readBody(resp)
		call.Error = errorMessage(body)
		d.emitAttempt(call)
		logger.Warn("warmup rejected", "session", prepared.SessionID, "status", resp.StatusCode)
		return false
	}

	body := d.transformer.Wrap(resp.Body, stream.Options{SessionKey: prepared.SessionKey})
	if err := stream.Drain(body); err != nil {
		logger.Warn("warmup stream failed", "session", prepared.SessionID, "error", err)
	}

	_, ok := d.signatures.Retrieve(prepared.SessionKey)
	if ok {
		d.warmups.MarkSuccess(prepared.SessionID)
	} else {
		call.Error = "no thought signature in warmup response"
	}
	d.emitAttempt(call)
	logger.Debug("warmup finished", "session", prepared.SessionID, "signature", ok)
	return ok
}

func (d *Dispatcher) classify(r *run) state {
	call := d.newCall(r)
	call.DurationMs = int(d.now().Sub(r.sentAt).Milliseconds())

	if r.sendErr != nil {
		if r.ctx.Err() != nil {
			return r.cancel()
		}
		err := fmt.Errorf("%w: %w", ErrTransport, r.sendErr)
		r.sendErr = nil
		call.Outcome = models.OutcomeTransport
		call.Error = err.Error()
		d.emitAttempt(call)
		logger.Warn("upstream request failed",
			"account", d.pool.Label(r.acc), "endpoint", call.Endpoint, "style", r.style, "error", err)

		if r.endpointIdx+1 < len(r.endpoints) {
			return stateRetryEndpoint
		}
		d.recordFailure(r, err)
		return stateSwitchAccount
	}

	resp := r.resp
	r.resp = nil
	call.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return d.handleRateLimit(r, resp, call)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode >= http.StatusInternalServerError:
		call.Outcome = models.OutcomeUpstream
		call.Error = fmt.Errorf("%w: status %d", ErrUpstreamTransient, resp.StatusCode).Error()
		d.emitAttempt(call)
		logger.Warn("upstream error, trying next endpoint",
			"status", resp.StatusCode, "endpoint", call.Endpoint, "style", r.style)
		r.closeLast()
		r.lastResp = resp
		return stateRetryEndpoint
	default:
		return d.handleSuccess(r, resp, call)
	}
}

func (d *Dispatcher) handleRateLimit(r *run, resp *http.Response, call models.APICall) state {
	body, _ := readBody(resp)
	ue := ParseUpstreamError(body)

	now := d.now()
	server := serverDelay(resp.Header, ue, now)
	attempt := d.health.nextRateLimitAttempt(r.acc.Index, now)
	delay := backoffDelay(server, attempt)
	capacity := ue.CapacityExhausted()
	family, style := r.info.Family, r.style

	call.Outcome = models.OutcomeRateLimited
	if capacity {
		call.Outcome = models.OutcomeCapacity
	}
	call.Error = fmt.Errorf("%w: %s", ErrRateLimited, errorMessage(body)).Error()
	d.emitAttempt(call)

	ev := RateLimitEvent{
		Family:   family,
		Style:    style,
		Account:  d.pool.Label(r.acc),
		Reason:   ue.Reason(),
		Index:    r.acc.Index,
		Attempt:  attempt,
		Delay:    delay,
		Capacity: capacity,
	}
	d.fire("OnRateLimited", func() {
		if d.hooks.OnRateLimited != nil {
			d.hooks.OnRateLimited(ev)
		}
	})

	if capacity {
		d.pool.MarkRateLimited(r.acc, delay, family, style)
		if hits := d.health.capacityHit(r.acc.Index); hits <= maxCapacityRetries {
			logger.Info("model capacity exhausted, retrying", "model", r.info.Name, "delay", delay, "hit", hits)
			if err := d.sleep(r.ctx, delay); err != nil {
				return r.cancel()
			}
			return stateTryEndpoint
		}
	}

	if delay < d.cfg.ShortRetryThreshold {
		logger.Debug("short rate limit, retrying", "account", ev.Account, "delay", delay)
		if err := d.sleep(r.ctx, delay); err != nil {
			return r.cancel()
		}
		return stateTryEndpoint
	}

	d.pool.MarkRateLimited(r.acc, delay, family, style)
	if r.styleIdx+1 < len(r.styles) {
		return stateRetryHeaderStyle
	}
	return stateSwitchAccount
}

func (d *Dispatcher) handleSuccess(r *run, resp *http.Response, call models.APICall) state {
	d.health.succeeded(r.acc.Index)
	r.closeLast()

	call.Outcome = models.OutcomeSuccess
	if resp.StatusCode >= http.StatusBadRequest {
		call.Outcome = models.OutcomeUpstream
	}
	if resp.StatusCode == http.StatusOK {
		d.finishBody(r, resp)
	}
	d.emitAttempt(call)

	r.result = resp
	return stateReturn
}

// finishBody wraps streams in the transformer and captures signatures of
// buffered responses.
func (d *Dispatcher) finishBody(r *run, resp *http.Response) {
	p := r.prepared
	if p.Streaming {
		if d.transformer != nil {
			d.transformer.WrapResponse(resp, stream.Options{
				SessionKey:     p.SessionKey,
				SessionID:      p.SessionID,
				InjectThinking: d.cfg.DebugThinking,
				Unwrap:         d.cfg.UnwrapResponses,
			})
		}
		return
	}

	data, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		logger.Debug("failed to close response body", "error", closeErr)
	}
	if err != nil {
		logger.Warn("failed to read response body", "error", err)
	}
	if sig := upstream.SignatureFromResponse(data); d.signatures != nil && signature.IsValid(sig) && sig != signature.SkipSignature {
		d.signatures.Store(p.SessionKey, sig)
	}
	if d.cfg.UnwrapResponses {
		data = upstream.UnwrapResponse(data)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
}

func (d *Dispatcher) switchAccount(r *run) state {
	r.closeLast()
	if r.acc != nil {
		logger.Debug("leaving account", "account", d.pool.Label(r.acc), "family", r.info.Family)
	}
	r.acc = nil
	return stateSelectAccount
}

// recordFailure applies the failure policy: a streak reaching the threshold
// cools the family down on the account. The account is skipped for the rest
// of this request either way.
func (d *Dispatcher) recordFailure(r *run, err error) {
	n := d.health.recordFailure(r.acc.Index, d.now())
	logger.Warn("account failure", "account", d.pool.Label(r.acc), "failures", n, "error", err)

	if n >= d.cfg.FailureThreshold {
		d.pool.MarkCoolingDown(r.acc, d.cfg.FailureCooldown, r.info.Family,
			fmt.Sprintf("%d consecutive failures", n))
		d.health.resetFailures(r.acc.Index)
	}
	r.skip[r.acc] = struct{}{}
}

// noteSelection reports account switches per family.
func (d *Dispatcher) noteSelection(family models.ModelFamily, acc *models.Account) {
	d.mu.Lock()
	prev := d.lastAccount[family]
	d.lastAccount[family] = acc
	d.mu.Unlock()

	if prev == nil || prev == acc {
		return
	}
	ev := AccountSwitchEvent{
		Family:    family,
		From:      d.pool.Label(prev),
		To:        d.pool.Label(acc),
		FromIndex: prev.Index,
		ToIndex:   acc.Index,
	}
	logger.Info("account switched", "family", family, "from", ev.From, "to", ev.To)
	d.fire("OnAccountSwitch", func() {
		if d.hooks.OnAccountSwitch != nil {
			d.hooks.OnAccountSwitch(ev)
		}
	})
}

func (d *Dispatcher) newCall(r *run) models.APICall {
	call := models.APICall{
		Timestamp:   d.now(),
		Model:       r.info.Name,
		Family:      string(r.info.Family),
		HeaderStyle: string(r.style),
		Endpoint:    r.endpoint(),
		RequestID:   r.requestID,
		Attempt:     r.attempt,
	}
	if r.acc != nil {
		call.AccountIndex = r.acc.Index
		call.Email = d.pool.Credential(r.acc).Email
	}
	if r.prepared != nil {
		call.SessionID = r.prepared.SessionID
	}
	return call
}

func (d *Dispatcher) emitAttempt(call models.APICall) {
	d.fire("OnAttempt", func() {
		if d.hooks.OnAttempt != nil {
			d.hooks.OnAttempt(call)
		}
	})
}

// fire runs a hook in its own goroutine.
func (d *Dispatcher) fire(name string, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("hook panicked", "hook", name, "panic", rec)
			}
		}()
		fn()
	}()
}

func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if closeErr := resp.Body.Close(); closeErr != nil {
		logger.Debug("failed to close response body", "error", closeErr)
	}
	return data, err
}

func errorMessage(body []byte) string {
	if ue := ParseUpstreamError(body); ue != nil && ue.Message != "" {
		return ue.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
