package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestYaml(t *testing.T) {
	cfg := GetDefault()
	cfg.Name = "laptop"
	cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(cfg.Yaml(), &decoded))
	assert.Equal(t, "laptop", decoded["name"])
	assert.Equal(t, 3001, decoded["server_port"])
	assert.Equal(t, true, decoded["prompt_accept"])
	assert.Equal(t, []any{"stun:stun.l.google.com:19302"}, decoded["stun_servers"])
	assert.Len(t, decoded, len(cfg.Map()))
}

func TestInitCreatesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := filepath.Join(t.TempDir(), "dropzone")

	require.NoError(t, initIn(dir))
	_, err := os.Stat(filepath.Join(dir, "config.yml"))
	require.NoError(t, err)
	assert.Equal(t, StyleRich, viper.GetString("tui_style"))
	assert.Equal(t, 3001, viper.GetInt("server_port"))
	assert.True(t, IsDefault("tui_style"))

	t.Setenv("PORT", "4000")
	assert.Equal(t, 4000, viper.GetInt("server_port"))
}

func TestInitReadsExisting(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("tui_style: raw\nrelay: 10.0.0.2:3001\n"), 0o644))

	require.NoError(t, initIn(dir))
	assert.Equal(t, StyleRaw, viper.GetString("tui_style"))
	assert.Equal(t, "10.0.0.2:3001", viper.GetString("relay"))
	assert.False(t, IsDefault("tui_style"))
	assert.Equal(t, "tagged", viper.GetString("frame_codec"))
}

func TestSet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	require.NoError(t, initIn(dir))

	require.NoError(t, Set("server_port", "4100"))
	require.NoError(t, Set("prompt_accept", "false"))
	require.NoError(t, Set("stun_servers", "stun:a.example.com:3478, stun:b.example.com:3478"))
	require.NoError(t, Set("relay", "10.0.0.2:3001"))

	contents, err := os.ReadFile(filepath.Join(dir, "config.yml"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(contents, &decoded))
	assert.Equal(t, 4100, decoded["server_port"])
	assert.Equal(t, false, decoded["prompt_accept"])
	assert.Equal(t, []any{"stun:a.example.com:3478", "stun:b.example.com:3478"}, decoded["stun_servers"])
	assert.Equal(t, "10.0.0.2:3001", decoded["relay"])

	assert.ErrorIs(t, Set("colour", "blue"), ErrUnknownKey)
	assert.Error(t, Set("server_port", "many"))
}
