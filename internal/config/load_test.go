package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSONSettings(t *testing.T) {
	data := []byte(`{
		"engineHost": "data-engine-xxxxxxx.jutdata.io",
		"enginePort": 3100,
		"clientId": "id",
		"clientSecret": "secret"
	}`)

	u, err := Parse(data)
	require.NoError(t, err)

	cfg, err := Apply(ClientConfig{}, u)
	require.NoError(t, err)
	assert.Equal(t, ClientConfig{
		EngineHost:   "data-engine-xxxxxxx.jutdata.io",
		EnginePort:   3100,
		ClientID:     "id",
		ClientSecret: "secret",
	}, cfg)
}

func TestParse_YAMLNullsLeaveValuesUntouched(t *testing.T) {
	u, err := Parse([]byte("engineHost: null\nenginePort: null\nclientId: fresh\n"))
	require.NoError(t, err)

	assert.Nil(t, u.EngineHost)
	assert.Nil(t, u.EnginePort)
	require.NotNil(t, u.ClientID)
	assert.Equal(t, "fresh", *u.ClientID)
}

func TestParse_NonIntegerPort(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "word", doc: "enginePort: bobsyouruncle\n"},
		{name: "float", doc: "enginePort: 3100.5\n"},
		{name: "list", doc: "enginePort: [1, 2]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse([]byte(tt.doc))
			require.NoError(t, err)

			_, err = Apply(ClientConfig{}, u)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Error(), "enginePort must be an integer")
		})
	}
}

func TestParse_QuotedPort(t *testing.T) {
	u, err := Parse([]byte(`enginePort: "4100"`))
	require.NoError(t, err)
	require.NotNil(t, u.EnginePort)
	assert.Equal(t, 4100, *u.EnginePort)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("engineHost: [unterminated"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engineHost: a.jutdata.io\nclientId: id\nclientSecret: s\n"), 0o600))

	u, err := FromFile(path)
	require.NoError(t, err)

	cfg, err := Apply(ClientConfig{}, u)
	require.NoError(t, err)
	assert.Equal(t, DefaultEnginePort, cfg.EnginePort)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFromLookup(t *testing.T) {
	vars := map[string]string{
		EnvEngineHost: "env.jutdata.io",
		EnvEnginePort: "3200",
		EnvClientID:   "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}

	u := fromLookup(lookup)
	require.NotNil(t, u.EngineHost)
	assert.Equal(t, "env.jutdata.io", *u.EngineHost)
	require.NotNil(t, u.EnginePort)
	assert.Equal(t, 3200, *u.EnginePort)
	assert.Nil(t, u.ClientID, "empty variables are ignored")
	assert.Nil(t, u.ClientSecret)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvEngineHost, "x.jutdata.io")
	t.Setenv(EnvEnginePort, "abc")

	u := FromEnv()
	require.NotNil(t, u.EngineHost)
	assert.Nil(t, u.EnginePort)
	assert.NotEmpty(t, u.invalid)
}
