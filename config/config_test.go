package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msg-rpc/codec"
	rpcerr "msg-rpc/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.Equal(t, codec.CodecTypeJSON, cfg.Client.CodecType())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  development: true
client:
  request_timeout: 250ms
  max_retries: 3
  codec: binary
  serializer: gob
server:
  workers: 4
  handler_timeout: 2s
  rate_limit: 100
  rate_burst: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.RequestTimeout)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, time.Second, cfg.Client.RetryDelay, "default kept")
	assert.Equal(t, codec.CodecTypeBinary, cfg.Client.CodecType())
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 2*time.Second, cfg.Server.HandlerTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.SendTimeout, "default kept")

	assert.Len(t, cfg.ClientOptions(nil), 4)
	assert.Len(t, cfg.ServerOptions(nil), 6)

	logger, err := cfg.Log.Build()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1)) // debug
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, rpcerr.Configuration, rpcerr.KindOf(err))
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"malformed":        "client: [",
		"bad level":        "log: {level: loud}",
		"zero timeout":     "client: {request_timeout: 0s}",
		"negative retries": "client: {max_retries: -1}",
		"unknown codec":    "client: {codec: xml}",
		"unknown serial":   "server: {serializer: protobuf}",
		"no workers":       "server: {workers: 0}",
		"rate no burst":    "server: {rate_limit: 5}",
		"bad duration":     "server: {send_timeout: soon}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, rpcerr.Configuration, rpcerr.KindOf(err))
		})
	}
}
