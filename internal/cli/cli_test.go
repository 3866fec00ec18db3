package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zziklive/edge_rate_limiter/internal/config"
)

func TestVersionCmd(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2024-06-23")

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "edgeserver 1.2.3 (commit abc123, built 2024-06-23)\n", out.String())
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	t.Setenv("EDGE_RATELIMIT_STRATEGY", "leaky_bucket")

	root := NewRootCmd()
	root.SetArgs([]string{"serve", "--addr", "127.0.0.1:0"})

	err := root.Execute()
	assert.ErrorIs(t, err, config.ErrUnknownStrategy)
}

func TestServe_StopsOnCancel(t *testing.T) {
	v := viper.New()
	v.Set("server.addr", "127.0.0.1:0")
	v.Set("ratelimit.eviction_interval", "10ms")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, zap.NewNop())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
