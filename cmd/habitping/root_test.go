package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "memory"},
  "provider": {"project_id": "habit-tracker"},
  "push": {"vapid_key": "BPk-test"},
  "app": {},
  "schedule": {"timezone": "UTC"},
  "host": {"permission_policy": "deny"}
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(cliConfig), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", p}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSetTimePrintsNextFire(t *testing.T) {
	out, err := execute(t, "set-time", "7:30 AM")
	require.NoError(t, err)
	assert.Contains(t, out, "Reminder time set to")
	assert.Contains(t, out, "07:30 UTC")

	_, err = execute(t, "set-time", "not-a-time")
	assert.Error(t, err)

	_, err = execute(t, "set-time")
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	out, err := execute(t, "status", "--json")
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, false, st["enabled"])
	assert.Equal(t, true, st["registration_active"])
}

func TestEnableDeniedByPolicy(t *testing.T) {
	_, err := execute(t, "enable")
	require.Error(t, err)
}

func TestMissingConfigFails(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.json"), "status"})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}
