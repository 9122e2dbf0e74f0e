package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/runtimeconfig"
	"agentfabric/internal/usecase/sessionmanager"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Bus.Backend = "memory"
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 5 * time.Millisecond
	cfg.Logger.Output = "stderr"
	cfg.Logger.Level = "error"
	return cfg
}

func TestResolvedConfigPath(t *testing.T) {
	t.Setenv("AGENTFABRIC_CONFIG", "")
	assert.Equal(t, defaultConfigPath, (&globalOptions{}).resolvedConfigPath())

	t.Setenv("AGENTFABRIC_CONFIG", "/etc/agentfabric.yaml")
	assert.Equal(t, "/etc/agentfabric.yaml", (&globalOptions{}).resolvedConfigPath())
	assert.Equal(t, "x.yaml", (&globalOptions{configPath: "x.yaml"}).resolvedConfigPath())
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"submit"}, {"doctor"}, {"config", "validate"}, {"config", "encrypt"}, {"config", "publish"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest(&submitOptions{
		sessionID: "s1",
		threadID:  "t1",
		userID:    "u",
		meta:      map[string]string{"action": "save", "report_title": "Q3"},
	}, "save this")

	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "save this", req.Message)
	assert.Equal(t, domain.ActionSave, req.Action())
	assert.Equal(t, "Q3", req.MetadataString("report_title"))
	assert.Nil(t, buildRequest(&submitOptions{sessionID: "s"}, "m").AdditionalMetadata)
}

func TestPrintEvents(t *testing.T) {
	events := make(chan sessionmanager.Event, 3)
	req := &domain.Request{SessionID: "s1", DialogID: "d"}
	events <- sessionmanager.Event{Update: &domain.Update{UpdateMessage: "Planning..."}}
	events <- sessionmanager.Event{Response: domain.NewResponse(req, "hello", nil, nil)}
	close(events)

	var stdout, stderr bytes.Buffer
	require.NoError(t, printEvents(events, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Planning...")
	assert.Contains(t, stdout.String(), `"answer_string": "hello"`)

	failed := make(chan sessionmanager.Event, 1)
	failed <- sessionmanager.Event{Response: domain.NewErrorResponse(req, domain.ErrTimeout)}
	close(failed)
	assert.Error(t, printEvents(failed, &stdout, &stderr))
}

func TestValidateConfigs(t *testing.T) {
	processPath := writeFile(t, "agentfabric.yaml", "bus:\n  backend: memory\nworkers:\n  count: 2\n")
	var out bytes.Buffer
	require.NoError(t, validateConfigs(processPath, "", &out))
	assert.Contains(t, out.String(), "bus=memory workers=2")
	assert.Contains(t, out.String(), "PLANNER")

	runtimePath := writeFile(t, "runtime.yaml", "agents:\n  PLANNER_AGENT:\n    prompt: plan\n  FALLBACK_AGENT:\n    prompt: answer\n")
	out.Reset()
	require.NoError(t, validateConfigs(processPath, runtimePath, &out))
	assert.Contains(t, out.String(), "2 agents")

	badRuntime := writeFile(t, "bad.yaml", "agents: {}\n")
	assert.Error(t, validateConfigs(processPath, badRuntime, &out))
}

func TestPublishRuntime(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Bus.RedisURL = "redis://" + mr.Addr()
	cfg.Logger.Level = "error"
	path := writeFile(t, "runtime.yaml", "agents:\n  PLANNER_AGENT:\n    prompt: plan\n  FALLBACK_AGENT:\n    prompt: answer\n")

	var out bytes.Buffer
	require.NoError(t, publishRuntime(context.Background(), cfg, "v1", path, &out))
	assert.Contains(t, out.String(), "v1")

	err := publishRuntime(context.Background(), cfg, "v1", path, &out)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestBuildAppAnswersEveryTask(t *testing.T) {
	cfg := memoryConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer a.close()
	a.start(ctx)
	defer func() { assert.NoError(t, a.shutdown(context.Background())) }()

	// The packaged runtime config has hosted agents and no platform is
	// configured, so the session cannot set up its agents; the caller still
	// gets a final response and the next request retries the setup.
	m := sessionmanager.New(a.bus, a.bus, sessionmanager.Config{Timeout: 5 * time.Second}, logger.Discard())
	events, err := m.Submit(ctx, &domain.Request{SessionID: "s1", Message: "hello"})
	require.NoError(t, err)
	_, resp, err := sessionmanager.Wait(events)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.True(t, resp.Error.Retry)
	assert.Equal(t, 1, a.registry.Len())
}

func TestHostedKinds(t *testing.T) {
	rc, err := runtimeconfig.Default()
	require.NoError(t, err)
	kinds := hostedKinds(rc)
	assert.Contains(t, kinds, string(domain.KindVisualization))
	assert.NotContains(t, kinds, string(domain.KindPlanner))
}
