package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/services/upstream"
)

// ParseModelAction splits a ".../models/{model}:{action}" path.
func ParseModelAction(path string) (model, action string, err error) {
	const marker = "/models/"
	i := strings.LastIndex(path, marker)
	if i < 0 {
		return "", "", fmt.Errorf("path %q does not name a model", path)
	}
	rest := path[i+len(marker):]
	j := strings.LastIndex(rest, ":")
	if j <= 0 || j == len(rest)-1 {
		return "", "", fmt.Errorf("path %q does not name a model action", path)
	}
	model, action = rest[:j], rest[j+1:]
	switch action {
	case upstream.ActionGenerate, upstream.ActionStream:
		return model, action, nil
	default:
		return "", "", fmt.Errorf("unsupported action %q", action)
	}
}

// Do sends a Gemini API style request through the pool. The request path
// names the model and action; the body is the Gemini request JSON.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	model, action, err := ParseModelAction(req.URL.Path)
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		if closeErr := req.Body.Close(); closeErr != nil {
			logger.Debug("failed to close request body", "error", closeErr)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	resp, err := d.Dispatch(req.Context(), Request{Model: model, Action: action, Body: body})
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}

type roundTripper struct {
	d *Dispatcher
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.d.Do(req)
}

// RoundTripper adapts the dispatcher for use as an http.Client transport.
func (d *Dispatcher) RoundTripper() http.RoundTripper {
	return roundTripper{d: d}
}
