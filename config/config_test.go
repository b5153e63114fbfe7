package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-core/monitor"
)

func TestParseDefaults(t *testing.T) {
	var opts, err = Parse(nil)
	require.NoError(t, err)
	require.False(t, opts.Cert.LogConflicts)
	require.Equal(t, int64(1048576), opts.Cert.PaRange)
	require.Equal(t, monitor.CommitOrderNoOOOC, opts.CommitOrder())
}

func TestParseOverridesFlags(t *testing.T) {
	var opts, err = Parse([]string{"--cert.log-conflicts", "--repl.commit-order=1"})
	require.NoError(t, err)
	require.True(t, opts.Cert.LogConflicts)
	require.Equal(t, monitor.CommitOrderOOOC, opts.CommitOrder())
}

func TestCertificationConfigProjectsOptions(t *testing.T) {
	var opts, err = Parse([]string{"--cert.optimistic-pa"})
	require.NoError(t, err)
	var cfg = opts.CertificationConfig()
	require.True(t, cfg.OptimisticPA)
	require.Equal(t, int64(1048576), cfg.PaRange)
}
