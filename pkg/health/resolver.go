// Package health maps image references to readiness probes through a
// layered configuration: per-deployment override, user overrides, shipped
// defaults, a non-HTTP allow-list, and a /health fallback.
package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Probe describes how readiness is judged after a deploy stage. HTTP=false
// means the service never answers HTTP; readiness is "running for at least
// MinUptime without a restart".
type Probe struct {
	HTTP      bool
	Endpoint  string
	MinUptime time.Duration
}

const (
	fallbackEndpoint = "/health"
	nonHTTPMinUptime = 2 * time.Second
)

// builtinDefaults is the compiled-in endpoint table, overridden by the
// defaults JSON file when present.
var builtinDefaults = map[string]string{
	"qdrant":        "/healthz",
	"ollama":        "/api/version",
	"influxdb":      "/ready",
	"grafana":       "/api/health",
	"prometheus":    "/-/healthy",
	"nextcloud":     "/status.php",
	"elasticsearch": "/_cluster/health",
	"homeassistant": "/",
}

// nonHTTPStems are image-name stems whose services are never probed over
// HTTP.
var nonHTTPStems = []string{
	"ssh", "redis", "mariadb", "mysql", "postgresql", "mongodb", "db2", "rabbitmq", "kafka",
}

// Resolver is pure: same image, same answer. Reconfiguration happens by
// swapping the defaults/overrides files, not by code changes.
type Resolver struct {
	defaults  map[string]string
	overrides map[string]string
	nonHTTP   []string
}

// NewResolver builds a resolver from the compiled-in table merged with
// health-checks-defaults.json and health-checks-user.yml under configRoot;
// both files are optional.
func NewResolver(configRoot string) (*Resolver, error) {
	r := &Resolver{
		defaults:  make(map[string]string, len(builtinDefaults)),
		overrides: make(map[string]string),
		nonHTTP:   nonHTTPStems,
	}
	for k, v := range builtinDefaults {
		r.defaults[strings.ToLower(k)] = v
	}

	defaultsPath := filepath.Join(configRoot, "health-checks-defaults.json")
	if buf, err := os.ReadFile(defaultsPath); err == nil {
		var doc struct {
			Endpoints map[string]string `json:"endpoints"`
			NonHTTP   []string          `json:"non_http"`
		}
		if err := json.Unmarshal(buf, &doc); err != nil {
			return nil, errors.Wrapf(err, "unable to parse %s", defaultsPath)
		}
		for k, v := range doc.Endpoints {
			r.defaults[strings.ToLower(k)] = v
		}
		if len(doc.NonHTTP) > 0 {
			r.nonHTTP = doc.NonHTTP
		}
	}

	userPath := filepath.Join(configRoot, "health-checks-user.yml")
	if buf, err := os.ReadFile(userPath); err == nil {
		var doc map[string]string
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return nil, errors.Wrapf(err, "unable to parse %s", userPath)
		}
		for k, v := range doc {
			r.overrides[strings.ToLower(k)] = v
		}
	}

	return r, nil
}

// NewStaticResolver returns a resolver over the compiled-in tables only.
func NewStaticResolver() *Resolver {
	r, _ := NewResolver(string(os.PathSeparator) + "nonexistent")
	return r
}

// Resolve picks the probe for an image reference. override, when non-nil,
// is the per-deployment layer: empty string disables HTTP probing, any
// other value is used verbatim.
func (r *Resolver) Resolve(image string, override *string) Probe {
	if override != nil {
		if *override == "" {
			return Probe{HTTP: false, MinUptime: nonHTTPMinUptime}
		}
		return Probe{HTTP: true, Endpoint: *override}
	}

	lower := strings.ToLower(image)

	if endpoint, ok := longestMatch(r.overrides, lower); ok {
		return Probe{HTTP: true, Endpoint: endpoint}
	}

	// Matching is most-specific-wins across the default endpoints and the
	// non-HTTP stems together, so "postgresql-admin-ui" style overrides in
	// the defaults can beat the shorter db stem.
	endpoint, endpointOK, endpointLen := longestMatchLen(r.defaults, lower)
	_, stemOK, stemLen := longestStem(r.nonHTTP, lower)

	switch {
	case stemOK && (!endpointOK || stemLen > endpointLen):
		return Probe{HTTP: false, MinUptime: nonHTTPMinUptime}
	case endpointOK:
		return Probe{HTTP: true, Endpoint: endpoint}
	default:
		return Probe{HTTP: true, Endpoint: fallbackEndpoint}
	}
}

func longestMatch(table map[string]string, image string) (string, bool) {
	v, ok, _ := longestMatchLen(table, image)
	return v, ok
}

func longestMatchLen(table map[string]string, image string) (string, bool, int) {
	var best string
	bestLen := -1

	for key, value := range table {
		if strings.Contains(image, key) && len(key) > bestLen {
			best = value
			bestLen = len(key)
		}
	}

	return best, bestLen >= 0, bestLen
}

func longestStem(stems []string, image string) (string, bool, int) {
	var best string
	bestLen := -1

	for _, stem := range stems {
		lower := strings.ToLower(stem)
		if strings.Contains(image, lower) && len(lower) > bestLen {
			best = lower
			bestLen = len(lower)
		}
	}

	return best, bestLen >= 0, bestLen
}
