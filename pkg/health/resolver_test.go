package health

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_FallbackEndpoint(t *testing.T) {
	r := NewStaticResolver()

	probe := r.Resolve("my-random-app:1.0", nil)
	assert.True(t, probe.HTTP)
	assert.Equal(t, "/health", probe.Endpoint)
}

func TestResolver_BuiltinDefaults(t *testing.T) {
	r := NewStaticResolver()

	for image, endpoint := range map[string]string{
		"qdrant/qdrant:latest":      "/healthz",
		"ollama/ollama:0.5":         "/api/version",
		"grafana/grafana:10.4.0":    "/api/health",
		"prom/prometheus:v2.53":     "/-/healthy",
		"nextcloud:29":              "/status.php",
		"HomeAssistant/Core:2024.6": "/",
	} {
		probe := r.Resolve(image, nil)
		assert.True(t, probe.HTTP, image)
		assert.Equal(t, endpoint, probe.Endpoint, image)
	}
}

func TestResolver_NonHTTPAllowList(t *testing.T) {
	r := NewStaticResolver()

	for _, image := range []string{"ssh-jump:2.3", "redis:7", "mariadb:11", "rabbitmq:3-management"} {
		probe := r.Resolve(image, nil)
		assert.False(t, probe.HTTP, image)
		assert.Equal(t, 2*time.Second, probe.MinUptime, image)
	}
}

func TestResolver_MostSpecificWins(t *testing.T) {
	dir := t.TempDir()
	defaults := `{"endpoints": {"grafana": "/api/health", "grafana-oss": "/oss/health"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "health-checks-defaults.json"), []byte(defaults), 0o644))

	r, err := NewResolver(dir)
	require.NoError(t, err)

	probe := r.Resolve("grafana-oss:9", nil)
	assert.Equal(t, "/oss/health", probe.Endpoint)

	probe = r.Resolve("grafana/grafana:9", nil)
	assert.Equal(t, "/api/health", probe.Endpoint)
}

func TestResolver_UserOverridesBeatDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "health-checks-user.yml"), []byte("grafana: /custom\n"), 0o644))

	r, err := NewResolver(dir)
	require.NoError(t, err)

	probe := r.Resolve("grafana/grafana:10", nil)
	assert.Equal(t, "/custom", probe.Endpoint)
}

func TestResolver_DeploymentOverride(t *testing.T) {
	r := NewStaticResolver()

	custom := "/ready"
	probe := r.Resolve("redis:7", &custom)
	assert.True(t, probe.HTTP)
	assert.Equal(t, "/ready", probe.Endpoint)

	disabled := ""
	probe = r.Resolve("grafana:10", &disabled)
	assert.False(t, probe.HTTP)
}

func TestResolver_InvalidDefaultsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "health-checks-defaults.json"), []byte("{broken"), 0o644))

	_, err := NewResolver(dir)
	assert.Error(t, err)
}
