package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/lock"
	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// parseInterleaved parses flags that may appear before, between or after
// positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// withEngine opens the local engine, runs fn and closes it again.
func withEngine(configPath string, fn func(ctx context.Context, mgr *dispatch.Manager) error) int {
	// Logs share stdout with command output.
	log.Setup("ERROR", "text")
	ctx := context.Background()
	eng, err := openEngine(ctx, configPath, nil)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "State is locked by a running hookwarden (pid %d); use the HTTP API instead.\n", held.PID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Close()

	err = fn(ctx, eng.manager)
	// Let non-blocking plugins of an emit finish before the store closes.
	eng.manager.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func unknownPlugin(id string) error {
	return fmt.Errorf("unknown plugin: %s", id)
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		infos, err := mgr.List(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(infos)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENABLED\tPRIORITY\tMODE\tHEALTH\tGRANTED")
		for _, info := range infos {
			mode := "async"
			if info.Blocking {
				mode = "blocking"
			}
			granted := make([]string, 0, len(info.GrantedCapabilities))
			for _, c := range info.GrantedCapabilities {
				granted = append(granted, string(c))
			}
			fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\t%s\n",
				info.ID, info.Enabled, info.Priority, mode, info.Health.Status, strings.Join(granted, ","))
		}
		return tw.Flush()
	})
}

func runPluginSetEnabled(args []string, enabled bool) int {
	fs := flag.NewFlagSet("enable", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		printPluginActionHelp("enable")
		return 1
	}
	id := positional[0]

	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		info, err := mgr.SetEnabled(ctx, id, enabled)
		if err != nil {
			return err
		}
		if info == nil {
			return unknownPlugin(id)
		}
		fmt.Printf("%s enabled=%t\n", info.ID, info.Enabled)
		return nil
	})
}

func runPluginConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		printPluginActionHelp("config")
		return 1
	}
	id := positional[0]

	var value any
	if err := json.Unmarshal([]byte(positional[1]), &value); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid JSON config: %v\n", err)
		return 1
	}

	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		info, err := mgr.UpdateConfig(ctx, id, value)
		if err != nil {
			return err
		}
		if info == nil {
			return unknownPlugin(id)
		}
		return printJSON(info.Config)
	})
}

// parseGrants turns "cap=bool" pairs into a partial grant map. Capability
// names contain ':' so the last '=' splits the pair.
func parseGrants(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		i := strings.LastIndex(pair, "=")
		if i <= 0 {
			return nil, fmt.Errorf("expected capability=true|false, got %q", pair)
		}
		granted, err := strconv.ParseBool(pair[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q: %w", pair, err)
		}
		out[pair[:i]] = granted
	}
	return out, nil
}

func runPluginGrant(args []string) int {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 2 {
		printPluginActionHelp("grant")
		return 1
	}
	id := positional[0]
	grants, err := parseGrants(positional[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		info, err := mgr.UpdateCapabilityGrants(ctx, id, grants)
		if err != nil {
			return err
		}
		if info == nil {
			return unknownPlugin(id)
		}
		granted := make([]string, 0, len(info.GrantedCapabilities))
		for _, c := range info.GrantedCapabilities {
			granted = append(granted, string(c))
		}
		fmt.Printf("%s granted: %s\n", info.ID, strings.Join(granted, ", "))
		return nil
	})
}

func parseEventData(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}
	return data, nil
}

func runPluginDryRun(args []string) int {
	fs := flag.NewFlagSet("dry-run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	eventName := fs.String("event", "", "Event name")
	dataJSON := fs.String("data", "", "Event data as a JSON object")
	sessionID := fs.String("session", "dry-run", "Session id")
	overrideJSON := fs.String("with-config", "", "Config override as JSON (validated, not stored)")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 || *eventName == "" {
		printPluginActionHelp("dry-run")
		return 1
	}
	id := positional[0]

	data, err := parseEventData(*dataJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	var override any
	if *overrideJSON != "" {
		if err := json.Unmarshal([]byte(*overrideJSON), &override); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --with-config JSON: %v\n", err)
			return 1
		}
	}

	ev := plugin.NewEvent(*eventName, "cli", *sessionID, data)
	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		res, err := mgr.DryRun(ctx, id, ev, override)
		if err != nil {
			return err
		}
		if res == nil {
			return unknownPlugin(id)
		}
		return printJSON(res)
	})
}

func runEventEmit(args []string) int {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dataJSON := fs.String("data", "", "Event data as a JSON object")
	sessionID := fs.String("session", "cli", "Session id")
	source := fs.String("source", "cli", "Event source")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		printEventEmitHelp()
		return 1
	}
	name := positional[0]
	if name == plugin.EventWildcard {
		fmt.Fprintln(os.Stderr, "Error: the wildcard is a subscription, not an event name")
		return 1
	}

	data, err := parseEventData(*dataJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ev := plugin.NewEvent(name, *source, *sessionID, data)
	return withEngine(*configPath, func(ctx context.Context, mgr *dispatch.Manager) error {
		res, err := mgr.Emit(ctx, ev)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}
