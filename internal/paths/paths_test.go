package paths

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigDir(t *testing.T) {
	orig := getwd
	getwd = func() (string, error) { return "/work/project", nil }
	t.Cleanup(func() { getwd = orig })

	tests := []struct {
		name   string
		flag   string
		envVal string
		want   string
	}{
		{name: "flag wins over env", flag: "/explicit/config", envVal: "/env/config", want: "/explicit/config"},
		{name: "env wins when flag empty", envVal: "/env/config", want: "/env/config"},
		{name: "working directory default", want: "/work/project/.larder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigDir, tt.envVal)
			got, err := ResolveConfigDir(tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConfigDir_GetwdFails(t *testing.T) {
	orig := getwd
	getwd = func() (string, error) { return "", errors.New("gone") }
	t.Cleanup(func() { getwd = orig })
	t.Setenv(EnvConfigDir, "")

	_, err := ResolveConfigDir("")
	assert.Error(t, err)
}

func TestResolveDataDir(t *testing.T) {
	tests := []struct {
		name        string
		flag        string
		envVal      string
		configValue string
		want        string
	}{
		{name: "flag wins over all", flag: "/flag/data", envVal: "/env/data", configValue: "/config/data", want: "/flag/data"},
		{name: "env wins over config", envVal: "/env/data", configValue: "/config/data", want: "/env/data"},
		{name: "absolute config value", configValue: "/config/data", want: "/config/data"},
		{name: "relative config value", configValue: "store", want: "/cfg/store"},
		{name: "default inside config dir", want: "/cfg/data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.envVal)
			got, err := ResolveDataDir(tt.flag, tt.configValue, "/cfg")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelativeOverridesBecomeAbsolute(t *testing.T) {
	t.Setenv(EnvConfigDir, "relative/env")
	got, err := ResolveConfigDir("")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)

	t.Setenv(EnvDataDir, "")
	got, err = ResolveDataDir("relative/path", "", "/cfg")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)
}

func TestResolveFile(t *testing.T) {
	assert.Equal(t, "", ResolveFile("", "/cfg"))
	assert.Equal(t, "/abs/schema.yaml", ResolveFile("/abs/schema.yaml", "/cfg"))
	assert.Equal(t, "/cfg/schema.yaml", ResolveFile("schema.yaml", "/cfg"))
}
