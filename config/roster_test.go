package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cohortdiag/types"
)

const rosterYAML = `
organizations:
  - id: org-b
    name: Hospital B
    endpoint: https://b.example.org
  - id: org-a
    name: Hospital A
    endpoint: https://a.example.org
`

func ids(targets []types.OrganizationTarget) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.ID)
	}
	return out
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organizations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterYAML), 0o644))

	r, err := LoadRoster(path, nil)
	require.NoError(t, err)
	orgs, err := r.Organizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a", "org-b"}, ids(orgs))
	assert.Equal(t, "Hospital A", orgs[0].Name)

	_, err = r.Organizations(contextCancelled())
	assert.ErrorIs(t, err, context.Canceled)
}

func contextCancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestNewRoster_Validation(t *testing.T) {
	_, err := NewRoster([]types.OrganizationTarget{{ID: "a"}, {ID: "a"}}, nil)
	assert.ErrorContains(t, err, "duplicate organization ids: a")

	_, err = NewRoster([]types.OrganizationTarget{{ID: " "}}, nil)
	assert.ErrorContains(t, err, "has no id")
}

func TestRosterFromConfig_Inline(t *testing.T) {
	cfg := DefaultCentralConfig()
	cfg.Organizations = []types.OrganizationTarget{{ID: "org-z"}, {ID: "org-y"}}
	r, err := RosterFromConfig(cfg, nil)
	require.NoError(t, err)
	orgs, err := r.Organizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org-y", "org-z"}, ids(orgs))
	assert.NoError(t, r.Reload(), "inline roster has nothing to reload")
}

func TestRoster_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organizations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterYAML), 0o644))
	r, err := LoadRoster(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("organizations:\n  - id: x\n  - id: x\n"), 0o644))
	require.Error(t, r.Reload())

	orgs, err := r.Organizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a", "org-b"}, ids(orgs))
}

func TestRoster_WatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "organizations.yaml")
	touch(t, path, rosterYAML, -time.Minute)
	r, err := LoadRoster(path, nil)
	require.NoError(t, err)

	w, err := r.Watch(context.Background(), WithPollInterval(10*time.Millisecond), WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	touch(t, path, rosterYAML+"  - id: org-c\n", time.Minute)
	assert.Eventually(t, func() bool {
		orgs, _ := r.Organizations(context.Background())
		return len(orgs) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoster_WatchRequiresFile(t *testing.T) {
	r, err := NewRoster(nil, nil)
	require.NoError(t, err)
	_, err = r.Watch(context.Background())
	assert.Error(t, err)
}
