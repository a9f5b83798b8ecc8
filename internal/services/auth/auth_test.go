package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

// MockRoundTripper implements http.RoundTripper for testing.
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestRefresher(fn func(req *http.Request) (*http.Response, error)) *Refresher {
	return NewRefresher(RefresherConfig{
		ClientID:     "cid",
		ClientSecret: "csec",
		TokenURL:     "https://oauth.test/token",
		HTTPClient:   &http.Client{Transport: &MockRoundTripper{RoundTripFunc: fn}},
		RetryBase:    time.Millisecond,
	})
}

func fakeIDToken(email string) string {
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := enc.EncodeToString([]byte(`{"email":"` + email + `"}`))
	return header + "." + payload + ".c2ln"
}

func TestRefresh_Success(t *testing.T) {
	var form string
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		form = string(body)
		return jsonResponse(200, `{"access_token":"new-access","expires_in":3600,"token_type":"Bearer","id_token":"`+
			fakeIDToken("user@example.com")+`"}`), nil
	})

	before := time.Now()
	cred, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "refresh-1"})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if cred == nil {
		t.Fatal("Refresh() returned nil credential")
	}
	if cred.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want new-access", cred.AccessToken)
	}
	if cred.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", cred.RefreshToken)
	}
	if cred.Expiry.Before(before.Add(59 * time.Minute)) {
		t.Errorf("Expiry = %v, want about one hour ahead", cred.Expiry)
	}
	if cred.Email != "user@example.com" {
		t.Errorf("Email = %q, want user@example.com", cred.Email)
	}
	for _, want := range []string{"grant_type=refresh_token", "refresh_token=refresh-1", "client_id=cid", "client_secret=csec"} {
		if !strings.Contains(form, want) {
			t.Errorf("token request %q missing %q", form, want)
		}
	}
}

func TestRefresh_InvalidGrant(t *testing.T) {
	calls := 0
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(400, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`), nil
	})

	_, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "revoked"})
	if !IsInvalidGrant(err) {
		t.Fatalf("Refresh() error = %v, want invalid_grant", err)
	}
	var re *RefreshError
	if !errors.As(err, &re) || re.Description == "" {
		t.Errorf("RefreshError = %+v, want description", re)
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (no retry on oauth errors)", calls)
	}
}

func TestRefresh_OtherOAuthErrorIsTransient(t *testing.T) {
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"error":"invalid_client"}`), nil
	})

	_, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "r"})
	if err == nil {
		t.Fatal("Refresh() should fail")
	}
	if IsInvalidGrant(err) {
		t.Error("invalid_client must not be treated as invalid_grant")
	}
}

func TestRefresh_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return jsonResponse(200, `{"access_token":"third-time","expires_in":60}`), nil
	})

	cred, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "r"})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if cred.AccessToken != "third-time" {
		t.Errorf("AccessToken = %q", cred.AccessToken)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRefresh_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("network down")
	})

	_, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "r"})
	if err == nil {
		t.Fatal("Refresh() should fail")
	}
	if IsInvalidGrant(err) {
		t.Error("transport error must not be invalid_grant")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRefresh_MissingAccessToken(t *testing.T) {
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"token_type":"Bearer"}`), nil
	})

	cred, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "r"})
	if err != nil {
		t.Fatalf("Refresh() error = %v, want nil", err)
	}
	if cred != nil {
		t.Errorf("Refresh() = %+v, want nil credential", cred)
	}
}

func TestRefresh_EmptyRefreshToken(t *testing.T) {
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})

	if _, err := r.Refresh(context.Background(), models.Credential{}); !IsInvalidGrant(err) {
		t.Errorf("Refresh() error = %v, want invalid_grant", err)
	}
}

func TestRefresh_DeduplicatesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return jsonResponse(200, `{"access_token":"shared","expires_in":60}`), nil
	})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := r.Refresh(context.Background(), models.Credential{RefreshToken: "same"})
			if err == nil && cred != nil {
				results[i] = cred.AccessToken
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls.Load())
	}
	for i, got := range results {
		if got != "shared" {
			t.Errorf("result[%d] = %q, want shared", i, got)
		}
	}
}

func TestRefresh_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := newTestRefresher(func(req *http.Request) (*http.Response, error) {
		<-release
		return jsonResponse(200, `{"access_token":"late"}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Refresh(ctx, models.Credential{RefreshToken: "r"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Refresh() error = %v, want context.Canceled", err)
	}
}

func TestProjectContext_Effective(t *testing.T) {
	if got := (ProjectContext{ProjectID: "p"}).Effective(); got != "p" {
		t.Errorf("Effective() = %q, want p", got)
	}
	if got := (ProjectContext{ProjectID: "p", ManagedProjectID: "m"}).Effective(); got != "m" {
		t.Errorf("Effective() = %q, want m", got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		stored  ProjectContext
		handler func(req *http.Request) (*http.Response, error)
		want    string
		wantErr bool
	}{
		{
			name:   "Stored",
			stored: ProjectContext{ProjectID: "stored"},
			want:   "stored",
		},
		{
			name: "StringProject",
			handler: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(200, `{"cloudaicompanionProject":"proj-a"}`), nil
			},
			want: "proj-a",
		},
		{
			name: "ObjectProject",
			handler: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(200, `{"cloudaicompanionProject":{"id":"proj-b"}}`), nil
			},
			want: "proj-b",
		},
		{
			name: "FallsBackAcrossEndpoints",
			handler: func(req *http.Request) (*http.Response, error) {
				if strings.Contains(req.URL.Host, "first") {
					return jsonResponse(503, `unavailable`), nil
				}
				return jsonResponse(200, `{"cloudaicompanionProject":"proj-c"}`), nil
			},
			want: "proj-c",
		},
		{
			name: "NoProjectUsesDefault",
			handler: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(200, `{"currentTier":{"id":"free-tier"}}`), nil
			},
			want: DefaultProjectID,
		},
		{
			name: "AllEndpointsFail",
			handler: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("dial tcp: refused")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := tt.handler
			if handler == nil {
				handler = func(req *http.Request) (*http.Response, error) {
					t.Fatal("no request expected")
					return nil, nil
				}
			}
			p := NewProjectResolver(
				&http.Client{Transport: &MockRoundTripper{RoundTripFunc: handler}},
				[]string{"https://first.test", "https://second.test"},
				"",
			)

			got, err := p.Resolve(context.Background(), models.Credential{AccessToken: "tok"}, tt.stored)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Effective() != tt.want {
				t.Errorf("Resolve() = %q, want %q", got.Effective(), tt.want)
			}
		})
	}
}

func TestResolve_SendsAntigravityHeaders(t *testing.T) {
	var got *http.Request
	p := NewProjectResolver(&http.Client{Transport: &MockRoundTripper{RoundTripFunc: func(req *http.Request) (*http.Response, error) {
		got = req
		return jsonResponse(200, `{"cloudaicompanionProject":"p"}`), nil
	}}}, []string{"https://only.test"}, "")

	if _, err := p.Resolve(context.Background(), models.Credential{AccessToken: "tok"}, ProjectContext{}); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", got.Header.Get("Authorization"))
	}
	if !strings.HasPrefix(got.Header.Get("User-Agent"), "antigravity/") {
		t.Errorf("User-Agent = %q", got.Header.Get("User-Agent"))
	}
	if got.URL.Path != "/v1internal:loadCodeAssist" {
		t.Errorf("path = %q", got.URL.Path)
	}
}
