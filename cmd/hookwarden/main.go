package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "event":
		return runEventNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookwarden version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookwarden %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hookwarden - Plugin dispatch engine for agent session events

Usage:
  hookwarden <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  config    Service configuration and integrity
  plugin    Plugin settings, grants and dry runs
  event     Event dispatch

System Commands:
  system start      Start the service in foreground
  system status     Show config, state backend and lock holder
  system monitor    Real-time plugin health TUI

Config Commands:
  config check      Validate syntax, integrity, plugin seeds and policy
  config lock       Authorize current state (update integrity hash)

Plugin Commands:
  plugin list                 Show registered plugins with state and stats
  plugin enable <id>          Enable a plugin
  plugin disable <id>         Disable a plugin
  plugin config <id> <json>   Replace a plugin's config
  plugin grant <id> cap=bool  Grant or revoke capabilities
  plugin dry-run <id>         Run one plugin against a test event

Event Commands:
  event emit <name>           Dispatch an event through enabled plugins

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Plugin and event commands work on the local state store and refuse to run
while a service holds its lock; use the HTTP API against a running service.

Use 'hookwarden <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printPluginActionHelp(action)
		return 0
	}

	switch action {
	case "list":
		return runPluginList(actionArgs)
	case "enable":
		return runPluginSetEnabled(actionArgs, true)
	case "disable":
		return runPluginSetEnabled(actionArgs, false)
	case "config":
		return runPluginConfig(actionArgs)
	case "grant":
		return runPluginGrant(actionArgs)
	case "dry-run":
		return runPluginDryRun(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runEventNoun(args []string) int {
	if len(args) < 1 {
		printEventNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printEventNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "emit":
		if hasHelpFlag(actionArgs) {
			printEventEmitHelp()
			return 0
		}
		return runEventEmit(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown event action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookwarden system <action>")
	fmt.Fprintln(w, "Actions: start, status, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookwarden config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookwarden plugin <action> [flags]")
	fmt.Fprintln(w, "Actions: list, enable, disable, config, grant, dry-run")
}

func printEventNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookwarden event <action> [flags]")
	fmt.Fprintln(w, "Actions: emit")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hookwarden system start [--config PATH]")
	fmt.Println("Start the dispatch engine and, when enabled, the HTTP API in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: hookwarden system status [--config PATH]")
	fmt.Println("Show the resolved config, state backend and the PID holding the state lock.")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: hookwarden system monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time plugin health TUI.")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh now")
	fmt.Println("  ↑/↓, k/j         Select plugin")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hookwarden config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, integrity, plugin seeds and policy.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hookwarden config lock [--config PATH]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hash to .checksums.")
}

func printEventEmitHelp() {
	fmt.Println("Usage: hookwarden event emit <name> [--config PATH] [--session ID] [--source SRC] [--data JSON]")
	fmt.Println("Dispatch one event and print the aggregated result as JSON.")
}

func printPluginActionHelp(action string) {
	switch action {
	case "list":
		fmt.Println("Usage: hookwarden plugin list [--config PATH] [--json]")
	case "enable", "disable":
		fmt.Printf("Usage: hookwarden plugin %s <id> [--config PATH]\n", action)
	case "config":
		fmt.Println("Usage: hookwarden plugin config <id> <json> [--config PATH]")
		fmt.Println("The value is validated by the plugin before it is stored.")
	case "grant":
		fmt.Println("Usage: hookwarden plugin grant <id> <capability>=<true|false>... [--config PATH]")
	case "dry-run":
		fmt.Println("Usage: hookwarden plugin dry-run <id> --event NAME [--data JSON] [--with-config JSON] [--config PATH]")
		fmt.Println("Run one plugin regardless of its enabled flag. Failures never abort.")
	default:
		printPluginNounHelp(os.Stdout)
	}
}
