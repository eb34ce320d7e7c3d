package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, home string, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(home, 0755))
	require.NoError(t, os.WriteFile(ConfigFilePath(home), []byte(body), 0644))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Empty(t, cfg.Repositories)
	assert.Equal(t, "opus", cfg.DefaultModel)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadAppliesRepositoryDefaults(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, `{
		"repositories": [
			{"id": "repo-1", "name": "Frontend", "repositoryPath": "/src/frontend"}
		]
	}`)

	cfg, err := Load(home)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)

	repo := cfg.Repositories[0]
	assert.Equal(t, filepath.Join(home, "workspaces"), repo.WorkspaceBaseDir)
	assert.False(t, repo.IsActive)
	assert.Contains(t, repo.AllowedTools, "Bash")
	assert.Equal(t, []string{"Bug"}, repo.LabelPrompts["debugger"])
	assert.True(t, repo.IsCatchAll())
}

func TestLoadRejectsTwoCatchAlls(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, `{
		"repositories": [
			{"id": "repo-1", "name": "A", "repositoryPath": "/a"},
			{"id": "repo-2", "name": "B", "repositoryPath": "/b"}
		]
	}`)

	_, err := Load(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	home := t.TempDir()
	writeConfigFile(t, home, `{
		"repositories": [
			{"id": "repo-1", "name": "A", "repositoryPath": "/a", "teamKeys": ["FE"]},
			{"id": "repo-1", "name": "B", "repositoryPath": "/b", "teamKeys": ["BE"]}
		]
	}`)

	_, err := Load(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate repository id")
}

func TestSaveIsAtomicAndReadable(t *testing.T) {
	home := t.TempDir()
	cfg := &Config{
		DefaultModel:         "opus",
		DefaultFallbackModel: "sonnet",
		Server:               ServerConfig{Port: 9090, Host: "0.0.0.0"},
		Webhook:              WebhookConfig{AuthMode: AuthModeBearer, Secret: "tok"},
		Logging:              LoggingConfig{Level: "info", Format: "json"},
		Repositories: []RepositoryConfig{
			{ID: "repo-1", Name: "Frontend", RepositoryPath: "/a", TeamKeys: []string{"FE"}},
		},
	}

	require.NoError(t, Save(home, cfg, false))

	_, err := os.Stat(filepath.Join(home, "config.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should not remain after rename")

	reloaded, err := Load(home)
	require.NoError(t, err)
	require.Len(t, reloaded.Repositories, 1)
	assert.Equal(t, "repo-1", reloaded.Repositories[0].ID)
	assert.Equal(t, 9090, reloaded.Server.Port)
}

func TestSaveKeepsTimestampedBackup(t *testing.T) {
	home := t.TempDir()
	cfg := &Config{Server: ServerConfig{Port: 8080}, Webhook: WebhookConfig{AuthMode: AuthModeBearer}, Logging: LoggingConfig{Level: "info", Format: "json"}}
	require.NoError(t, Save(home, cfg, false))

	cfg.Server.Port = 9091
	require.NoError(t, Save(home, cfg, true))

	entries, err := os.ReadDir(BackupsDir(home))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "config-")
}

func TestDiffDetectsAddedRemovedModified(t *testing.T) {
	old := &Config{Repositories: []RepositoryConfig{
		{ID: "repo-1", Name: "A", RepositoryPath: "/a", TeamKeys: []string{"FE"}},
		{ID: "repo-2", Name: "B", RepositoryPath: "/b", TeamKeys: []string{"BE"}},
	}}
	next := &Config{Repositories: []RepositoryConfig{
		{ID: "repo-1", Name: "A-renamed", RepositoryPath: "/a", TeamKeys: []string{"FE"}},
		{ID: "repo-3", Name: "C", RepositoryPath: "/c", TeamKeys: []string{"QA"}},
	}}

	diff := Diff(old, next)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "repo-3", diff.Added[0].ID)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "repo-2", diff.Removed[0])
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "repo-1", diff.Modified[0].ID)
}

func TestDiffEmptyWhenNothingChanged(t *testing.T) {
	cfg := &Config{Repositories: []RepositoryConfig{
		{ID: "repo-1", Name: "A", RepositoryPath: "/a", TeamKeys: []string{"FE"}},
	}}
	diff := Diff(cfg, cfg)
	assert.True(t, diff.Empty())
}
