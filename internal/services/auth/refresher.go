// Package auth refreshes OAuth access tokens and resolves the Cloud Code
// project each account talks to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

// GoogleTokenURL is the Google OAuth token endpoint.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// CodeInvalidGrant marks a refresh token that was revoked or expired for good.
const CodeInvalidGrant = "invalid_grant"

// RefreshError is returned when the token endpoint rejected a refresh.
type RefreshError struct {
	Err         error
	Code        string
	Description string
}

func (e *RefreshError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token refresh rejected: %s: %s", e.Code, e.Description)
	}
	return "token refresh rejected: " + e.Code
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsInvalidGrant reports whether err means the refresh token is permanently
// unusable.
func IsInvalidGrant(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Code == CodeInvalidGrant
}

// RefresherConfig holds the OAuth client settings.
type RefresherConfig struct {
	HTTPClient   *http.Client
	ClientID     string
	ClientSecret string
	TokenURL     string
	MaxTries     uint64
	RetryBase    time.Duration
}

// Refresher exchanges refresh tokens for access tokens. Concurrent refreshes
// of the same token share one upstream call.
type Refresher struct {
	oauth  *oauth2.Config
	client *http.Client
	group  singleflight.Group
	cfg    RefresherConfig
}

// NewRefresher creates a refresher.
func NewRefresher(cfg RefresherConfig) *Refresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}

	return &Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: cfg.HTTPClient,
		cfg:    cfg,
	}
}

type refreshResult struct {
	cred *models.Credential
}

// Refresh obtains a fresh access token for cred. It returns (nil, nil) when
// the endpoint answered without a token, and a *RefreshError when the grant
// was rejected.
func (r *Refresher) Refresh(ctx context.Context, cred models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, &RefreshError{Code: CodeInvalidGrant, Description: "refresh token is empty"}
	}

	ch := r.group.DoChan(cred.RefreshToken, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 45*time.Second)
		defer cancel()
		c, err := r.refresh(callCtx, cred)
		return refreshResult{cred: c}, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := res.Val.(refreshResult).cred
		if out == nil {
			return nil, nil
		}
		copied := *out
		return &copied, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, cred models.Credential) (*models.Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	var tok *oauth2.Token
	op := func() error {
		src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		t, err := src.Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
					return err
				}
				return backoff.Permanent(classifyRetrieveError(re))
			}
			if isMissingAccessToken(err) {
				return nil
			}
			logger.Debug("token refresh attempt failed", "error", err)
			return err
		}
		tok = t
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RetryBase
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, r.cfg.MaxTries-1), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		var re *RefreshError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, nil
	}

	out := &models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       tok.Expiry,
		Email:        cred.Email,
	}
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if email := emailFromIDToken(idToken); email != "" {
			out.Email = email
		}
	}
	return out, nil
}

func classifyRetrieveError(re *oauth2.RetrieveError) *RefreshError {
	code := re.ErrorCode
	if code == "" {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		code = fmt.Sprintf("http_%d", status)
		if strings.Contains(string(re.Body), CodeInvalidGrant) {
			code = CodeInvalidGrant
		}
	}
	return &RefreshError{Code: code, Description: re.ErrorDescription, Err: re}
}

// isMissingAccessToken matches the oauth2 error for a 200 response that
// carried no access_token.
func isMissingAccessToken(err error) bool {
	return strings.Contains(err.Error(), "missing access_token")
}

// emailFromIDToken reads the email claim without verifying the signature.
func emailFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		logger.Debug("failed to parse id_token", "error", err)
		return ""
	}
	email, _ := claims["email"].(string)
	return email
}
