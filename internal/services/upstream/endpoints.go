// Package upstream builds requests for the Cloud Code Assist v1internal API.
package upstream

import (
	"net/http"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

// Cloud Code Assist base URLs.
const (
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"
)

const (
	pathGenerate      = "/v1internal:generateContent"
	pathStream        = "/v1internal:streamGenerateContent"
	pathLoadAssist    = "/v1internal:loadCodeAssist"
	antigravityUA     = "antigravity/1.11.5 windows/amd64"
	geminiCLIUA       = "google-api-nodejs-client/9.15.1"
	antigravityAPI    = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	geminiCLIAPI      = "gl-node/22.17.0"
	antigravityMeta   = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
	geminiCLIMeta     = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	envelopeUA        = "antigravity"
	envelopeReqType   = "agent"
	requestIDPrefix   = "agent-"
	contentTypeJSON   = "application/json"
	acceptEventStream = "text/event-stream"
)

// Endpoints maps each header style to its ordered endpoint fallbacks.
type Endpoints map[models.HeaderStyle][]string

// DefaultEndpoints returns the built-in fallback order per header style.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		models.HeaderStyleAntigravity: {EndpointDaily, EndpointAutopush, EndpointProd},
		models.HeaderStyleGeminiCLI:   {EndpointProd},
	}
}

// For returns the endpoints for style, falling back to the built-in list.
func (e Endpoints) For(style models.HeaderStyle) []string {
	if list := e[style]; len(list) > 0 {
		return list
	}
	return DefaultEndpoints()[style]
}

// LoadAssistEndpoints returns the order used for project discovery.
func LoadAssistEndpoints() []string {
	return []string{EndpointProd, EndpointDaily, EndpointAutopush}
}

// LoadAssistURL returns the loadCodeAssist URL for a base endpoint.
func LoadAssistURL(endpoint string) string {
	return endpoint + pathLoadAssist
}

// ApplyHeaders sets the identification headers of style on h.
func ApplyHeaders(h http.Header, style models.HeaderStyle) {
	switch style {
	case models.HeaderStyleGeminiCLI:
		h.Set("User-Agent", geminiCLIUA)
		h.Set("X-Goog-Api-Client", geminiCLIAPI)
		h.Set("Client-Metadata", geminiCLIMeta)
	default:
		h.Set("User-Agent", antigravityUA)
		h.Set("X-Goog-Api-Client", antigravityAPI)
		h.Set("Client-Metadata", antigravityMeta)
	}
}
