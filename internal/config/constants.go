package config

import (
	"os"
	"path/filepath"
	"regexp"
)

// PluginClient is the OAuth client compiled into the opencode-antigravity-auth
// plugin. It seeds GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET when neither is
// set.
type PluginClient struct {
	ClientID     string
	ClientSecret string
}

// pluginConstantRe matches declarations such as
// export declare const ANTIGRAVITY_CLIENT_ID = "...";
var pluginConstantRe = regexp.MustCompile(`ANTIGRAVITY_(CLIENT_ID|CLIENT_SECRET)\s*=\s*["']([^"']+)["']`)

// pluginConstantsPaths lists where the plugin's constants file may live.
// ANTIGRAVITY_CONSTANTS_PATH replaces the whole list.
func pluginConstantsPaths() []string {
	if path := os.Getenv("ANTIGRAVITY_CONSTANTS_PATH"); path != "" {
		return []string{path}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	rel := filepath.Join("node_modules", "opencode-antigravity-auth", "dist", "src", "constants.d.ts")
	return []string{
		filepath.Join(home, ".config", "opencode", rel),
		filepath.Join(home, ".cache", "opencode", rel),
	}
}

// loadPluginClient returns the client from the first readable constants
// file, or nil when the plugin is not installed.
func loadPluginClient() *PluginClient {
	for _, path := range pluginConstantsPaths() {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if c := parsePluginClient(string(content)); c != nil {
			return c
		}
	}
	return nil
}

// parsePluginClient extracts both values, or returns nil if either is missing.
func parsePluginClient(content string) *PluginClient {
	var c PluginClient
	for _, m := range pluginConstantRe.FindAllStringSubmatch(content, -1) {
		switch m[1] {
		case "CLIENT_ID":
			c.ClientID = m[2]
		case "CLIENT_SECRET":
			c.ClientSecret = m[2]
		}
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil
	}
	return &c
}
