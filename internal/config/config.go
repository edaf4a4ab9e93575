package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// ServerURL is the base URL of the Techperts backend API.
	ServerURL string
	// HubPath is the realtime chat hub path appended to ServerURL.
	HubPath string

	// AccessToken is the bearer token used for both the hub and REST calls.
	AccessToken string
	// DriverID is the delivery-person identity used for offer operations.
	DriverID string

	// Debug enables verbose logging.
	Debug bool

	// HTTPTimeout is the per-request timeout for REST calls.
	HTTPTimeout time.Duration
}

const (
	defaultServerURL   = "http://localhost:7230/api"
	defaultHubPath     = "/Chat"
	defaultHTTPTimeout = 15 * time.Second
)

// Load loads configuration from environment and defaults.
func Load() (*Config, error) {
	serverURL := getenvFirst("TECHPERTS_SERVER_URL", "TP_SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	serverURL = strings.TrimRight(serverURL, "/")

	hubPath := getenvFirst("TECHPERTS_HUB_PATH", "TP_HUB_PATH")
	if hubPath == "" {
		hubPath = defaultHubPath
	}
	if !strings.HasPrefix(hubPath, "/") {
		return nil, fmt.Errorf("invalid hub path %q (must start with /)", hubPath)
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	if !debug {
		raw := getenvFirst("TECHPERTS_DEBUG", "TP_DEBUG")
		debug = raw == "true" || raw == "1"
	}

	timeout := defaultHTTPTimeout
	if raw := getenvFirst("TECHPERTS_HTTP_TIMEOUT", "TP_HTTP_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TECHPERTS_HTTP_TIMEOUT %q: %w", raw, err)
		}
		timeout = parsed
	}

	return &Config{
		ServerURL:   serverURL,
		HubPath:     hubPath,
		AccessToken: getenvFirst("TECHPERTS_ACCESS_TOKEN", "TP_ACCESS_TOKEN"),
		DriverID:    getenvFirst("TECHPERTS_DRIVER_ID", "TP_DRIVER_ID"),
		Debug:       debug,
		HTTPTimeout: timeout,
	}, nil
}

// HubURL returns the full hub endpoint URL.
func (c *Config) HubURL() string {
	return c.ServerURL + c.HubPath
}

func getenvFirst(primary, fallback string) string {
	if val := os.Getenv(primary); val != "" {
		return val
	}
	return os.Getenv(fallback)
}
