package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/jut-client/internal/config"
	"github.com/erauner12/jut-client/internal/enginetest"
	"github.com/erauner12/jut-client/jut"
)

// isolateEnv blanks every variable the CLI reads so the host environment cannot leak in
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		config.EnvEngineHost, config.EnvEnginePort, config.EnvClientID, config.EnvClientSecret,
		"JUT_CONFIG", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func useFakeEngine(t *testing.T) *enginetest.Server {
	t.Helper()
	isolateEnv(t)
	engine := enginetest.New(t)
	t.Setenv(config.EnvEngineHost, enginetest.Host)
	t.Setenv(config.EnvClientID, enginetest.ClientID)
	t.Setenv(config.EnvClientSecret, enginetest.ClientSecret)
	return engine
}

func TestRun_Usage(t *testing.T) {
	isolateEnv(t)

	err := run(context.Background(), nil, strings.NewReader(""), &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	err = run(context.Background(), []string{"explode"}, strings.NewReader(""), &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "explode"`)
	assert.Equal(t, 2, exitCode(err))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"help"}, strings.NewReader(""), &out, nil))
	assert.Contains(t, out.String(), "usage: jut")
}

func TestLink(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"link", "xxx-xxx", "yyy", "execId=123"}, nil, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://app.jut.io/#viewer/deployment/xxx-xxx/program/yyy?execId='123'\n", out.String())
}

func TestLink_BadArguments(t *testing.T) {
	tests := [][]string{
		{"link"},
		{"link", "only-deployment"},
		{"link", "d", "p", "novalue"},
		{"link", "d", "p", "=value"},
	}

	for _, args := range tests {
		err := run(context.Background(), args, nil, &bytes.Buffer{}, nil)
		require.Error(t, err, "args %v", args)
		assert.Equal(t, 2, exitCode(err))
	}
}

func TestRunJob_ProgramArgument(t *testing.T) {
	engine := useFakeEngine(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"run", "emit -limit 1"}, strings.NewReader(""), &out, engine.HTTPClient())
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"results"`)
	assert.Contains(t, out.String(), `"program": "emit -limit 1"`)
	assert.Equal(t, 1, engine.TokenCalls())
	assert.Equal(t, 1, engine.JobCalls())
}

func TestRunJob_ProgramFromStdin(t *testing.T) {
	engine := useFakeEngine(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"run"}, strings.NewReader("read -last :1 hour:\n"), &out, engine.HTTPClient())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "read -last :1 hour:")

	err = run(context.Background(), []string{"run"}, strings.NewReader("   "), &out, engine.HTTPClient())
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRunJob_ConfigFileAndProgramFile(t *testing.T) {
	isolateEnv(t)
	engine := enginetest.New(t)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"engineHost": "`+enginetest.Host+`",
		"enginePort": 3100,
		"clientId": "`+enginetest.ClientID+`",
		"clientSecret": "`+enginetest.ClientSecret+`"
	}`), 0o600))
	programPath := filepath.Join(dir, "query.juttle")
	require.NoError(t, os.WriteFile(programPath, []byte("emit | head 1"), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), []string{"run", "--config", cfgPath, "--file", programPath}, nil, &out, engine.HTTPClient())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "emit | head 1")

	err = run(context.Background(), []string{"run", "-c", cfgPath, "-f", programPath, "extra"}, nil, &out, engine.HTTPClient())
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestRunJob_InvalidConfiguration(t *testing.T) {
	engine := useFakeEngine(t)

	err := run(context.Background(), []string{"run", "--engine-port", "bobsyouruncle", "emit"}, nil, &bytes.Buffer{}, engine.HTTPClient())

	var cfgErr *jut.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, 2, exitCode(err))
	assert.Zero(t, engine.TokenCalls(), "no network calls with an invalid configuration")
}

func TestRunJob_FlagsOverrideEnvironment(t *testing.T) {
	engine := useFakeEngine(t)
	t.Setenv(config.EnvEnginePort, "abc")

	err := run(context.Background(), []string{"run", "--engine-port", "3300", "emit"}, nil, &bytes.Buffer{}, engine.HTTPClient())
	require.NoError(t, err)

	last, ok := engine.LastRequest()
	require.True(t, ok)
	assert.Equal(t, enginetest.Host+":3300", last.Host)
}

func TestRunJob_AuthFailureExitCode(t *testing.T) {
	engine := useFakeEngine(t)

	err := run(context.Background(), []string{"run", "--client-secret", "wrong", "emit"}, nil, &bytes.Buffer{}, engine.HTTPClient())

	var authErr *jut.AuthFailure
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, 1, exitCode(err))
}

func TestAuth(t *testing.T) {
	engine := useFakeEngine(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"auth", "--log-level", "error"}, nil, &out, engine.HTTPClient())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "authenticated (token expires "), out.String())

	err = run(context.Background(), []string{"auth", "--log-level", "loud"}, nil, &out, engine.HTTPClient())
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}
