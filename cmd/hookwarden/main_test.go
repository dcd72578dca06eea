package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/hookwarden/internal/builtin"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/lock"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfigFixture writes a config.yaml using the given state section and
// extra YAML, returning its path.
func writeConfigFixture(t *testing.T, stateYAML, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "service:\n  log_level: error\n" + stateYAML + extra
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const fileStateYAML = "state:\n  backend: file\n  path: ./plugin-state.json\n"

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z")

	code, stdout, _ := runCLIForTest(t, "--version")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "hookwarden 1.2.3") {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "commit: abcdef012345") {
		t.Fatalf("commit not shortened: %q", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" || info.BuildTime != "2026-01-02T01:04:05Z" {
		t.Fatalf("info = %+v", info)
	}
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"system", "config", "plugin", "event"} {
		code, stdout, _ := runCLIForTest(t, noun, "help")
		if code != 0 || !strings.Contains(stdout, "Usage: hookwarden "+noun) {
			t.Fatalf("%s help: code=%d stdout=%q", noun, code, stdout)
		}
	}

	code, _, stderr := runCLIForTest(t, "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("unknown command: code=%d stderr=%q", code, stderr)
	}
}

func TestPluginEnablePersistsAcrossCommands(t *testing.T) {
	cfgPath := writeConfigFixture(t, fileStateYAML, "")

	code, stdout, stderr := runCLIForTest(t, "plugin", "enable", builtin.MessageTagsID, "--config", cfgPath)
	if code != 0 {
		t.Fatalf("enable failed: %d %s", code, stderr)
	}
	if !strings.Contains(stdout, "enabled=true") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, stdout, stderr = runCLIForTest(t, "plugin", "list", "--json", "--config", cfgPath)
	if code != 0 {
		t.Fatalf("list failed: %d %s", code, stderr)
	}
	var infos []dispatch.RuntimeInfo
	if err := json.Unmarshal([]byte(stdout), &infos); err != nil {
		t.Fatalf("unmarshal list: %v (%q)", err, stdout)
	}
	found := false
	for _, info := range infos {
		if info.ID == builtin.MessageTagsID {
			found = true
			if !info.Enabled {
				t.Fatal("message-tags should be enabled after restart")
			}
		}
	}
	if !found {
		t.Fatalf("message-tags missing from %+v", infos)
	}
}

func TestPluginConfigRejectsInvalidValue(t *testing.T) {
	cfgPath := writeConfigFixture(t, fileStateYAML, "")

	code, _, stderr := runCLIForTest(t, "plugin", "config", builtin.MessageTagsID, `{"bogus":1}`, "--config", cfgPath)
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr, "invalid config") {
		t.Fatalf("stderr = %q", stderr)
	}

	code, stdout, stderr := runCLIForTest(t, "plugin", "config", builtin.MessageTagsID, `{"prefix":"[p]"}`, "--config", cfgPath)
	if code != 0 {
		t.Fatalf("valid config rejected: %s", stderr)
	}
	if !strings.Contains(stdout, "[p]") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestPluginUnknownID(t *testing.T) {
	cfgPath := writeConfigFixture(t, fileStateYAML, "")

	code, _, stderr := runCLIForTest(t, "plugin", "disable", "nope", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "unknown plugin: nope") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestParseGrants(t *testing.T) {
	got, err := parseGrants([]string{"insight:toast=false", "permission:auto-decide=true"})
	if err != nil {
		t.Fatalf("parseGrants: %v", err)
	}
	if got["insight:toast"] != false || got["permission:auto-decide"] != true {
		t.Fatalf("got %v", got)
	}

	for _, bad := range []string{"insight:toast", "=true", "insight:toast=maybe"} {
		if _, err := parseGrants([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestEventEmitAppliesSeededPermissionRules(t *testing.T) {
	extra := `plugins:
  builtin.permission-rules:
    enabled: true
    config:
      rules:
        - tool: Bash
          field: command
          pattern: "rm *"
          behavior: deny
          message: no deletes
`
	cfgPath := writeConfigFixture(t, "state:\n  backend: sqlite\n  path: ./state.db\n", extra)

	data := `{"tool_name":"Bash","input":{"command":"rm -rf tmp"}}`
	code, stdout, stderr := runCLIForTest(t, "event", "emit", "permission.request", "--data", data, "--config", cfgPath)
	if code != 0 {
		t.Fatalf("emit failed: %d %s", code, stderr)
	}

	var res dispatch.EmitResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, stdout)
	}
	if res.PermissionDecision == nil {
		t.Fatalf("no decision in %q", stdout)
	}
	if res.PermissionDecision.Behavior != "deny" || res.PermissionDecision.Message != "no deletes" {
		t.Fatalf("decision = %+v", res.PermissionDecision)
	}
	if res.PermissionDecision.PluginID != builtin.PermissionRulesID {
		t.Fatalf("plugin id = %q", res.PermissionDecision.PluginID)
	}
}

func TestEventEmitRejectsWildcard(t *testing.T) {
	cfgPath := writeConfigFixture(t, "state:\n  backend: memory\n", "")

	code, _, stderr := runCLIForTest(t, "event", "emit", "*", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "wildcard") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestPluginDryRunWithConfigOverride(t *testing.T) {
	cfgPath := writeConfigFixture(t, "state:\n  backend: memory\n", "")

	code, stdout, stderr := runCLIForTest(t, "plugin", "dry-run", builtin.MessageTagsID,
		"--event", "user.message.before_send",
		"--data", `{"content":"hello"}`,
		"--with-config", `{"prefix":"[x] "}`,
		"--config", cfgPath)
	if code != 0 {
		t.Fatalf("dry-run failed: %d %s", code, stderr)
	}
	var res dispatch.EmitResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, stdout)
	}
	if res.UserMessageMutation == nil || res.UserMessageMutation.Content == nil || *res.UserMessageMutation.Content != "[x] hello" {
		t.Fatalf("mutation = %+v", res.UserMessageMutation)
	}

	code, _, stderr = runCLIForTest(t, "plugin", "dry-run", builtin.MessageTagsID,
		"--event", "user.message.before_send", "--with-config", `{"nope":true}`, "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "invalid config") {
		t.Fatalf("override not validated: code=%d stderr=%q", code, stderr)
	}
}

func TestCommandsRefuseWhileStateIsLocked(t *testing.T) {
	cfgPath := writeConfigFixture(t, fileStateYAML, "")
	statePath := filepath.Join(filepath.Dir(cfgPath), "plugin-state.json")

	held, err := lock.AcquirePIDLock(lock.PathFor(statePath))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	code, _, stderr := runCLIForTest(t, "plugin", "list", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "locked") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ := runCLIForTest(t, "system", "status", "--config", cfgPath)
	if code != 0 || !strings.Contains(stdout, "(pid ") {
		t.Fatalf("status: code=%d stdout=%q", code, stdout)
	}
}

func TestConfigCheckRejectsInvalidSeed(t *testing.T) {
	extra := `plugins:
  builtin.notifications:
    config:
      toast: "loud"
`
	cfgPath := writeConfigFixture(t, "state:\n  backend: memory\n", extra)

	code, _, stderr := runCLIForTest(t, "config", "check", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "FAILED") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestConfigLockThenCheck(t *testing.T) {
	cfgPath := writeConfigFixture(t, "state:\n  backend: memory\n", "")

	code, stdout, stderr := runCLIForTest(t, "config", "lock", "--config", cfgPath)
	if code != 0 || !strings.Contains(stdout, "blake3: ") {
		t.Fatalf("lock: code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", cfgPath)
	if code != 0 || !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("check: code=%d stdout=%q", code, stdout)
	}

	if err := os.WriteFile(cfgPath, []byte("service:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr = runCLIForTest(t, "config", "check", "--config", cfgPath)
	if code != 1 || !strings.Contains(stderr, "verification failed") {
		t.Fatalf("tampered check: code=%d stderr=%q", code, stderr)
	}
}
