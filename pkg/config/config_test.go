package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnablesSelectedProtocols(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	contents := `# ingest toggles
rtmp_push_enabled=true
rtmp_listen_addr=:1935
rtsp_enabled=true
rtsp_listen_addr=:8554
gb28181_enabled=false
api_cors_origins=http://a.test, http://b.test
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.RTMP.Enabled, "expected rtmp enabled")
	assert.True(t, cfg.RTSP.Enabled, "expected rtsp enabled")
	assert.False(t, cfg.GB28181.Enabled, "expected gb28181 disabled")
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.API.CORSOrigins)
}

func TestValidateRejectsNoProtocolEnabled(t *testing.T) {
	cfg := NewConfig()
	assert.Error(t, cfg.Validate(), "expected error when no ingest protocol is enabled")
}

func TestValidateRejectsMissingListenAddr(t *testing.T) {
	cfg := NewConfig()
	cfg.RTMP.Enabled = true
	cfg.RTMP.ListenAddr = ""
	assert.Error(t, cfg.Validate(), "expected error for empty rtmp listen addr")
}
