package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/signature"
)

// Actions accepted by the v1internal API.
const (
	ActionGenerate = "generateContent"
	ActionStream   = "streamGenerateContent"
)

const warmupPrompt = "."

// SignatureLookup reads cached thought signatures.
type SignatureLookup interface {
	Retrieve(key string) (string, bool)
}

// ModelInfo describes the model a request targets.
type ModelInfo struct {
	Name     string
	Family   models.ModelFamily
	Thinking bool
}

// BuildInput is one attempt's worth of routing data plus the client body.
type BuildInput struct {
	Body        []byte
	Model       string
	Action      string
	AccessToken string
	ProjectID   string
	Endpoint    string
	Style       models.HeaderStyle
}

// Prepared is a request ready to send.
type Prepared struct {
	Request    *http.Request
	Model      ModelInfo
	SessionID  string
	SessionKey string
	Streaming  bool
	// NeedsWarmup is set when the model requires a signed thinking block,
	// the conversation carries tool calls and no signature is cached.
	NeedsWarmup bool
}

// Builder turns Gemini-format bodies into v1internal requests.
type Builder struct {
	signatures SignatureLookup
	newID      func() string
	instanceID string
}

// NewBuilder creates a builder. signatures may be nil.
func NewBuilder(instanceID string, signatures SignatureLookup) *Builder {
	return &Builder{
		signatures: signatures,
		newID:      uuid.NewString,
		instanceID: instanceID,
	}
}

// Model returns the model info for a model id.
func Model(name string) ModelInfo {
	return ModelInfo{
		Name:     name,
		Family:   models.FamilyForModel(name),
		Thinking: models.RequiresSignedThinking(name),
	}
}

// Session returns the session id of a client body.
func (b *Builder) Session(body []byte) string {
	return signature.SessionID(b.instanceID, systemText(body), firstUserText(body))
}

// Build wraps in.Body into the v1internal envelope and creates the request.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Prepared, error) {
	if !gjson.ValidBytes(in.Body) {
		return nil, fmt.Errorf("failed to build request: body is not valid JSON")
	}
	info := Model(in.Model)
	sessionID := b.Session(in.Body)
	key := signature.Key(sessionID, info.Name)

	body := in.Body
	cached := ""
	if b.signatures != nil {
		if sig, ok := b.signatures.Retrieve(key); ok && signature.IsValid(sig) {
			cached = sig
		}
	}
	hasCalls := hasFunctionCalls(body)
	if hasCalls {
		var err error
		body, err = attachSignatures(body, cached)
		if err != nil {
			return nil, fmt.Errorf("failed to attach signatures: %w", err)
		}
	}

	envelope, err := b.envelope(body, info.Name, in.ProjectID, sessionID, in.Style)
	if err != nil {
		return nil, err
	}

	streaming := in.Action == ActionStream
	req, err := b.newRequest(ctx, in, envelope, streaming)
	if err != nil {
		return nil, err
	}

	return &Prepared{
		Request:     req,
		Model:       info,
		SessionID:   sessionID,
		SessionKey:  key,
		Streaming:   streaming,
		NeedsWarmup: info.Thinking && hasCalls && cached == "",
	}, nil
}

// BuildWarmup creates a minimal streaming request without tools whose only
// purpose is to obtain a signed thinking block for sessionID.
func (b *Builder) BuildWarmup(ctx context.Context, in BuildInput, sessionID string) (*Prepared, error) {
	info := Model(in.Model)

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":""}]}]}`)
	body, err := sjson.SetBytes(body, "contents.0.parts.0.text", warmupPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to build warmup body: %w", err)
	}
	if sys := gjson.GetBytes(in.Body, "systemInstruction"); sys.Exists() {
		if body, err = sjson.SetRawBytes(body, "systemInstruction", []byte(sys.Raw)); err != nil {
			return nil, fmt.Errorf("failed to build warmup body: %w", err)
		}
	}
	if thinking := gjson.GetBytes(in.Body, "generationConfig.thinkingConfig"); thinking.Exists() {
		if body, err = sjson.SetRawBytes(body, "generationConfig.thinkingConfig", []byte(thinking.Raw)); err != nil {
			return nil, fmt.Errorf("failed to build warmup body: %w", err)
		}
	} else {
		body, _ = sjson.SetBytes(body, "generationConfig.thinkingConfig.includeThoughts", true)
	}

	envelope, err := b.envelope(body, info.Name, in.ProjectID, sessionID, in.Style)
	if err != nil {
		return nil, err
	}
	in.Action = ActionStream
	req, err := b.newRequest(ctx, in, envelope, true)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Request:    req,
		Model:      info,
		SessionID:  sessionID,
		SessionKey: signature.Key(sessionID, info.Name),
		Streaming:  true,
	}, nil
}

func (b *Builder) envelope(body []byte, model, project, sessionID string, style models.HeaderStyle) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, v)
		}
	}

	set("project", project)
	set("model", model)
	if style != models.HeaderStyleGeminiCLI {
		set("userAgent", envelopeUA)
		set("requestType", envelopeReqType)
		set("requestId", requestIDPrefix+b.newID())
	}
	if err == nil {
		out, err = sjson.SetRawBytes(out, "request", body)
	}
	set("request.sessionId", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	return out, nil
}

func (b *Builder) newRequest(ctx context.Context, in BuildInput, envelope []byte, streaming bool) (*http.Request, error) {
	url := in.Endpoint + pathGenerate
	if streaming {
		url = in.Endpoint + pathStream + "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+in.AccessToken)
	req.Header.Set("Content-Type", contentTypeJSON)
	if streaming {
		req.Header.Set("Accept", acceptEventStream)
	}
	ApplyHeaders(req.Header, in.Style)
	return req, nil
}

// attachSignatures sets a thought signature on every functionCall part that
// lacks one. sig falls back to the skip placeholder.
func attachSignatures(body []byte, sig string) ([]byte, error) {
	if sig == "" {
		sig = signature.SkipSignature
	}
	var err error
	gjson.GetBytes(body, "contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			if !part.Get("functionCall").Exists() {
				return true
			}
			if strings.TrimSpace(part.Get("thoughtSignature").String()) != "" {
				return true
			}
			path := fmt.Sprintf("contents.%d.parts.%d.thoughtSignature", ci.Int(), pi.Int())
			body, err = sjson.SetBytes(body, path, sig)
			return err == nil
		})
		return err == nil
	})
	return body, err
}

func hasFunctionCalls(body []byte) bool {
	found := false
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("functionCall").Exists() {
				found = true
			}
			return !found
		})
		return !found
	})
	return found
}

func systemText(body []byte) string {
	var sb strings.Builder
	for _, t := range gjson.GetBytes(body, "systemInstruction.parts.#.text").Array() {
		sb.WriteString(t.String())
	}
	return sb.String()
}

func firstUserText(body []byte) string {
	var out string
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		if content.Get("role").String() != "user" {
			return true
		}
		var sb strings.Builder
		for _, t := range content.Get("parts.#.text").Array() {
			sb.WriteString(t.String())
		}
		out = sb.String()
		return false
	})
	return out
}

// UnwrapResponse returns the inner response object of a non-streaming
// v1internal body, or body itself when it has none.
func UnwrapResponse(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return body
}

// SignatureFromResponse returns the last thought signature of a
// non-streaming body.
func SignatureFromResponse(body []byte) string {
	inner := UnwrapResponse(body)
	sig := ""
	gjson.GetBytes(inner, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if s := part.Get("thoughtSignature").String(); s != "" {
			sig = s
		}
		return true
	})
	return sig
}
