package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, "baseline-v1", cfg.Node.Domain)
	assert.Equal(t, 0.8, cfg.Aggregation.ValidityRatio)
	assert.Equal(t, 0.5, cfg.Consensus.MinValidatorTrust)
	assert.Equal(t, 5*time.Second, cfg.Consensus.VoteTimeout)
	assert.Equal(t, 0.001, cfg.Reputation.Floor)
	assert.Equal(t, 10, cfg.Reputation.ObservationWindow)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-1
  domain: baseline-test
consensus:
  vote_timeout: 250ms
aggregation:
  validity_ratio: 0.9
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "baseline-test", cfg.Node.Domain)
	assert.Equal(t, 250*time.Millisecond, cfg.Consensus.VoteTimeout)
	assert.Equal(t, 0.9, cfg.Aggregation.ValidityRatio)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
log:
  level: info
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad validity ratio": `
node:
  id: node-1
aggregation:
  validity_ratio: 1.5
`,
		"bad log level": `
node:
  id: node-1
log:
  level: loud
`,
		"zero rate limit": `
node:
  id: node-1
http:
  rate_limit: 0
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", JSON: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
