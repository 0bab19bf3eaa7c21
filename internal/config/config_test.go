package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConcurrencyCap(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.ConcurrencyCap = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyWorkerCommand(t *testing.T) {
	cfg := Default()
	cfg.Lifecycle.WorkerCommand = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedHeartbeatMultipliers(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.StuckMultiplier = 5
	cfg.Heartbeat.CrashedMultiplier = 3
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedBudgetThresholds(t *testing.T) {
	cfg := Default()
	cfg.Budget.TokensWarningPct = 0.9
	cfg.Budget.TokensHardPct = 0.5
	assert.Error(t, cfg.Validate())
}

func TestHeartbeatTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.IntervalS = 10
	cfg.Heartbeat.StuckMultiplier = 3
	cfg.Heartbeat.CrashedMultiplier = 6

	assert.Equal(t, 10.0, cfg.HeartbeatTimeout().Seconds())
	assert.Equal(t, 30.0, cfg.StuckTimeout().Seconds())
	assert.Equal(t, 60.0, cfg.CrashedTimeout().Seconds())
}

func TestParseSourceType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want SourceType
	}{
		{"file", SourceFile},
		{"", SourceFile},
		{"CONSUL", SourceConsul},
		{"etcd", SourceEtcd},
		{"zk", SourceZookeeper},
		{"zookeeper", SourceZookeeper},
	} {
		got, err := ParseSourceType(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseSourceType("bogus")
	assert.Error(t, err)
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_VAR", "hello")
	data := map[string]interface{}{
		"a": "${CONDUCTOR_TEST_VAR}",
		"b": "${MISSING_VAR:-fallback}",
		"c": []interface{}{"$CONDUCTOR_TEST_VAR"},
	}
	expanded := ExpandEnvVarsInData(data).(map[string]interface{})
	assert.Equal(t, "hello", expanded["a"])
	assert.Equal(t, "fallback", expanded["b"])
	assert.Equal(t, []interface{}{"hello"}, expanded["c"])
}
