package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/enginehost/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// APIKeyEnv supplies the bearer token for client commands.
const APIKeyEnv = "ENGINEHOST_API_KEY"

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

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "call":
		if hasHelpFlag(args) {
			printCallHelp()
			return 0
		}
		return runCall(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "calls":
		if hasHelpFlag(args) {
			printCallsHelp()
			return 0
		}
		return runCalls(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
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
		fmt.Fprintln(os.Stderr, "Usage: enginehost version [--json]")
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

	fmt.Printf("enginehost %s\n", info.Version)
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
		info.Commit = shortenCommit(commit)
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

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
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

// loadConfig loads configPath, or the discovered config when it is empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
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

func printUsage() {
	fmt.Print(`enginehost - supervised engine worker host

Usage:
  enginehost <command> [flags]

Host Commands:
  start             Start the host and its worker in the foreground
  status            Show worker state from a running host
  watch             Real-time TUI for worker, call progress and events
  calls             List recent calls from the journal

Operations:
  call <operation>  Perform one worker operation through a running host

Config Commands:
  config check      Validate configuration, worker setup and integrity
  config show       Print the resolved configuration
  config lock       Write checksums for the config and print the script digest
  config token      Generate a scoped API token

General:
  version           Show version information
  help              Show this help message

Use 'enginehost <command> --help' for command flags.
`)
}

func printStartHelp() {
	fmt.Println("Usage: enginehost start [--config PATH]")
	fmt.Println("Start the host, spawn the worker and serve the API in the foreground.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Stopped by signal or shutdown request")
	fmt.Println("  1  A component failed, or startup was aborted")
}

func printCallHelp() {
	fmt.Println("Usage: enginehost call <operation> [--payload JSON] [--session ID] [--api-url URL] [--api-key KEY]")
	fmt.Println("Perform an operation and print the result. Exits 1 when the call fails.")
}

func printStatusHelp() {
	fmt.Println("Usage: enginehost status [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show worker state, in-flight call and active session.")
}

func printCallsHelp() {
	fmt.Println("Usage: enginehost calls [--limit N] [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("List recent calls, newest first.")
}

func printWatchHelp() {
	fmt.Println("Usage: enginehost watch [flags]")
	fmt.Println()
	fmt.Println("Real-time TUI. Attaching makes this the active session, so it")
	fmt.Println("receives call progress.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Host API URL (default: from config, else http://127.0.0.1:8765)")
	fmt.Println("  --api-key KEY    API Bearer Token (or " + APIKeyEnv + " env var)")
	fmt.Println("  --session ID     Session id (default: generated)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh status and calls")
}
