package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	origVersion, origCommit := Version, GitCommit
	defer func() { Version, GitCommit = origVersion, origCommit }()
	Version = "0.1.0-test"
	GitCommit = "abc123"

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "version")
		if err != nil {
			t.Fatalf("version: %v", err)
		}
		for _, want := range []string{"Conduit 0.1.0-test", "Git Commit: abc123", runtime.Version()} {
			if !strings.Contains(out, want) {
				t.Errorf("output %q does not contain %q", out, want)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "version", "--output", "json")
		if err != nil {
			t.Fatalf("version: %v", err)
		}
		var info map[string]string
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			t.Fatalf("invalid JSON %q: %v", out, err)
		}
		if info["version"] != "0.1.0-test" || info["commit"] != "abc123" {
			t.Errorf("info = %v", info)
		}
	})
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "validate", "backends", "vhost", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (found %v, err %v)", name, cmd, err)
		}
	}
}
