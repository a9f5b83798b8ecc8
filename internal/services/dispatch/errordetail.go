package dispatch

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	typeRetryInfo    = "type.googleapis.com/google.rpc.RetryInfo"
	typeErrorInfo    = "type.googleapis.com/google.rpc.ErrorInfo"
	typeQuotaFailure = "type.googleapis.com/google.rpc.QuotaFailure"

	reasonCapacityExhausted = "MODEL_CAPACITY_EXHAUSTED"
	metaQuotaResetDelay     = "quotaResetDelay"
)

// ErrorDetail is one entry of a google.rpc.Status details list.
type ErrorDetail interface {
	detailType() string
}

// RetryInfo carries the server's retry hint.
type RetryInfo struct {
	RetryDelay time.Duration
}

// ErrorInfo names the error reason and carries metadata.
type ErrorInfo struct {
	Metadata map[string]string
	Reason   string
	Domain   string
}

// QuotaViolation is one exceeded quota.
type QuotaViolation struct {
	Subject     string
	Description string
}

// QuotaFailure lists exceeded quotas.
type QuotaFailure struct {
	Violations []QuotaViolation
}

// UnknownDetail keeps any detail type not modelled above.
type UnknownDetail struct {
	Type string
	Raw  string
}

func (RetryInfo) detailType() string       { return typeRetryInfo }
func (ErrorInfo) detailType() string       { return typeErrorInfo }
func (QuotaFailure) detailType() string    { return typeQuotaFailure }
func (u UnknownDetail) detailType() string { return u.Type }

// UpstreamError is a decoded google.rpc.Status error body.
type UpstreamError struct {
	Status  string
	Message string
	Details []ErrorDetail
	Code    int
}

// ParseUpstreamError decodes an error body. It returns nil when body holds
// no error object. Streaming errors wrapped in an array are accepted.
func ParseUpstreamError(body []byte) *UpstreamError {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	errObj := root.Get("error")
	if !errObj.IsObject() {
		return nil
	}

	ue := &UpstreamError{
		Code:    int(errObj.Get("code").Int()),
		Status:  errObj.Get("status").String(),
		Message: errObj.Get("message").String(),
	}
	errObj.Get("details").ForEach(func(_, d gjson.Result) bool {
		ue.Details = append(ue.Details, parseDetail(d))
		return true
	})
	return ue
}

func parseDetail(d gjson.Result) ErrorDetail {
	switch t := d.Get("@type").String(); t {
	case typeRetryInfo:
		delay, ok := parseProtoDuration(d.Get("retryDelay"))
		if !ok {
			return UnknownDetail{Type: t, Raw: d.Raw}
		}
		return RetryInfo{RetryDelay: delay}
	case typeErrorInfo:
		info := ErrorInfo{
			Reason: d.Get("reason").String(),
			Domain: d.Get("domain").String(),
		}
		d.Get("metadata").ForEach(func(k, v gjson.Result) bool {
			if info.Metadata == nil {
				info.Metadata = make(map[string]string)
			}
			info.Metadata[k.String()] = v.String()
			return true
		})
		return info
	case typeQuotaFailure:
		var qf QuotaFailure
		d.Get("violations").ForEach(func(_, v gjson.Result) bool {
			qf.Violations = append(qf.Violations, QuotaViolation{
				Subject:     v.Get("subject").String(),
				Description: v.Get("description").String(),
			})
			return true
		})
		return qf
	default:
		return UnknownDetail{Type: t, Raw: d.Raw}
	}
}

// parseProtoDuration accepts the JSON forms of google.protobuf.Duration:
// "3.5s" and {"seconds":3,"nanos":500000000}.
func parseProtoDuration(v gjson.Result) (time.Duration, bool) {
	switch {
	case v.Type == gjson.String:
		d, err := time.ParseDuration(strings.TrimSpace(v.String()))
		if err != nil || d < 0 {
			return 0, false
		}
		return d, true
	case v.IsObject():
		secs := v.Get("seconds").Int()
		nanos := v.Get("nanos").Int()
		d := time.Duration(secs)*time.Second + time.Duration(nanos)
		return d, d >= 0
	default:
		return 0, false
	}
}

// RetryDelay returns the server delay from RetryInfo, or failing that from
// the ErrorInfo quotaResetDelay metadata.
func (e *UpstreamError) RetryDelay() (time.Duration, bool) {
	if e == nil {
		return 0, false
	}
	for _, d := range e.Details {
		if ri, ok := d.(RetryInfo); ok {
			return ri.RetryDelay, true
		}
	}
	for _, d := range e.Details {
		info, ok := d.(ErrorInfo)
		if !ok {
			continue
		}
		raw, ok := info.Metadata[metaQuotaResetDelay]
		if !ok {
			continue
		}
		if delay, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && delay >= 0 {
			return delay, true
		}
	}
	return 0, false
}

// CapacityExhausted reports whether the error is a model-wide capacity
// shortage rather than an account quota.
func (e *UpstreamError) CapacityExhausted() bool {
	if e == nil {
		return false
	}
	for _, d := range e.Details {
		if info, ok := d.(ErrorInfo); ok && info.Reason == reasonCapacityExhausted {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Message), "no capacity")
}

// Reason returns the first ErrorInfo reason.
func (e *UpstreamError) Reason() string {
	if e == nil {
		return ""
	}
	for _, d := range e.Details {
		if info, ok := d.(ErrorInfo); ok {
			return info.Reason
		}
	}
	return ""
}
