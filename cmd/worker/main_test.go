package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"
)

func configFrom(t *testing.T, args ...string) string {
	t.Helper()
	var got string
	cmd := newCommand(func(_ context.Context, c *cli.Command) error {
		got = c.String("config")
		return nil
	})
	require.NoError(t, cmd.Run(context.Background(), append([]string{"squeeze-worker"}, args...)))
	return got
}

func TestConfigFlag(t *testing.T) {
	t.Setenv("SQUEEZE_CONFIG", "/etc/squeeze/env.yaml")
	assert.Equal(t, "/etc/squeeze/env.yaml", configFrom(t))
	assert.Equal(t, "/tmp/flag.yaml", configFrom(t, "--config", "/tmp/flag.yaml"), "flag wins over env")
	assert.Equal(t, "/tmp/short.yaml", configFrom(t, "-c", "/tmp/short.yaml"))
}

func TestConfigFlag_Unset(t *testing.T) {
	t.Setenv("SQUEEZE_CONFIG", "")
	assert.Empty(t, configFrom(t))
}
