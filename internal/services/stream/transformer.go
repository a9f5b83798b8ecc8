// Package stream rewrites Cloud Code server-sent event streams on the fly to
// capture thought signatures and drop repeated thinking text.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pierrec/xxHash/xxHash64"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/services/signature"
)

const (
	defaultMaxSessions = 1000
	maxHashesPerSess   = 4096
	minDedupLength     = 32
	hashSeed           = 0
)

var partsPaths = []string{
	"response.candidates.0.content.parts",
	"candidates.0.content.parts",
}

var dataPrefix = []byte("data:")

// SignatureSink receives thought signatures seen in a stream.
type SignatureSink interface {
	Store(key, value string)
}

// Options controls one wrapped stream.
type Options struct {
	// OnSignature is called for every valid signature after it was stored.
	OnSignature func(sig string)
	// SessionKey is the cache key signatures are stored under.
	SessionKey string
	// SessionID scopes thinking text deduplication.
	SessionID string
	// InjectThinking is added as a thought part to the first data event.
	InjectThinking string
	// Unwrap replaces each v1internal event with its inner response object.
	Unwrap bool
}

type hashSet map[uint64]struct{}

// Transformer wraps response bodies. It is safe for concurrent use; each
// wrapped body must be read by one goroutine.
type Transformer struct {
	sink SignatureSink

	mu     sync.Mutex
	hashes *lru.Cache
}

// NewTransformer creates a transformer storing signatures into sink. Dedup
// state is kept for at most maxSessions sessions.
func NewTransformer(sink SignatureSink, maxSessions int) *Transformer {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &Transformer{
		sink:   sink,
		hashes: lru.New(maxSessions),
	}
}

// WrapResponse replaces resp.Body with a transforming reader and drops the
// now unknown content length.
func (t *Transformer) WrapResponse(resp *http.Response, opts Options) {
	resp.Body = t.Wrap(resp.Body, opts)
	resp.ContentLength = -1
	resp.Header.Del("Content-Length")
}

// Wrap returns a reader producing the transformed stream of body.
func (t *Transformer) Wrap(body io.ReadCloser, opts Options) io.ReadCloser {
	return &reader{
		t:      t,
		src:    body,
		br:     bufio.NewReaderSize(body, 64*1024),
		opts:   opts,
		inject: opts.InjectThinking != "",
	}
}

// seen records hash for sessionID and reports whether it was already there.
func (t *Transformer) seen(sessionID string, hash uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var set hashSet
	if v, ok := t.hashes.Get(sessionID); ok {
		set = v.(hashSet)
	} else {
		set = make(hashSet)
		t.hashes.Add(sessionID, set)
	}
	if _, ok := set[hash]; ok {
		return true
	}
	if len(set) >= maxHashesPerSess {
		clear(set)
	}
	set[hash] = struct{}{}
	return false
}

type reader struct {
	t       *Transformer
	src     io.ReadCloser
	br      *bufio.Reader
	err     error
	pending []byte
	opts    Options
	inject  bool
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 {
			r.pending = r.transformLine(line)
		}
		if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *reader) Close() error {
	return r.src.Close()
}

// transformLine returns line unchanged unless it is a data event that needs
// rewriting.
func (r *reader) transformLine(line []byte) []byte {
	body, eol := splitEOL(line)
	if !bytes.HasPrefix(body, dataPrefix) {
		return line
	}
	payload := bytes.TrimPrefix(body[len(dataPrefix):], []byte(" "))
	if len(payload) == 0 || payload[0] != '{' || !gjson.ValidBytes(payload) {
		return line
	}

	out, changed := r.rewrite(payload)
	if r.opts.Unwrap {
		if inner := gjson.GetBytes(out, "response"); inner.Exists() && inner.IsObject() {
			out = []byte(inner.Raw)
			changed = true
		}
	}
	if !changed {
		return line
	}

	buf := make([]byte, 0, len(out)+len(eol)+6)
	buf = append(buf, "data: "...)
	buf = append(buf, out...)
	return append(buf, eol...)
}

func (r *reader) rewrite(payload []byte) ([]byte, bool) {
	path := ""
	var parts gjson.Result
	for _, p := range partsPaths {
		if res := gjson.GetBytes(payload, p); res.IsArray() {
			path, parts = p, res
			break
		}
	}
	if path == "" {
		return payload, false
	}

	changed := false
	kept := make([]string, 0, len(parts.Array())+1)

	if r.inject {
		r.inject = false
		injected, err := sjson.Set(`{"thought":true}`, "text", r.opts.InjectThinking)
		if err == nil {
			kept = append(kept, injected)
			changed = true
		}
	}

	for _, part := range parts.Array() {
		raw := part.Raw
		if sig := part.Get("thoughtSignature").String(); sig != "" {
			r.storeSignature(sig)
		}

		if part.Get("thought").Bool() {
			text := part.Get("text").String()
			if len(text) >= minDedupLength && r.opts.SessionID != "" &&
				r.t.seen(r.opts.SessionID, xxHash64.Checksum([]byte(text), hashSeed)) {
				changed = true
				if !part.Get("thoughtSignature").Exists() {
					continue
				}
				if stripped, err := sjson.Delete(raw, "text"); err == nil {
					raw = stripped
				}
			}
		}
		kept = append(kept, raw)
	}

	if !changed {
		return payload, false
	}

	out, err := sjson.SetRawBytes(payload, path, joinArray(kept))
	if err != nil {
		logger.Warn("failed to rewrite stream event", "error", err)
		return payload, false
	}
	return out, true
}

func (r *reader) storeSignature(sig string) {
	if !signature.IsValid(sig) || sig == signature.SkipSignature {
		return
	}
	if r.t.sink != nil && r.opts.SessionKey != "" {
		r.t.sink.Store(r.opts.SessionKey, sig)
	}
	if r.opts.OnSignature != nil {
		r.opts.OnSignature(sig)
	}
}

func joinArray(items []string) []byte {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(it)
	}
	b.WriteByte(']')
	return b.Bytes()
}

func splitEOL(line []byte) (body, eol []byte) {
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return line[:len(line)-2], line[len(line)-2:]
	case bytes.HasSuffix(line, []byte("\n")):
		return line[:len(line)-1], line[len(line)-1:]
	default:
		return line, nil
	}
}

// Drain reads body to the end and closes it.
func Drain(body io.ReadCloser) error {
	_, err := io.Copy(io.Discard, body)
	closeErr := body.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return closeErr
}
