package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/config"
	"github.com/mattjoyce/enginehost/internal/doctor"
	"github.com/mattjoyce/enginehost/internal/tui/tokenmgr"
)

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
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			printConfigTokenHelp()
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: enginehost config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, lock, token")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: enginehost config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration, worker executable and script, and integrity pins.")
	fmt.Println("--strict treats warnings as failures.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: enginehost config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with secrets redacted.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: enginehost config lock [--config PATH]")
	fmt.Println("Write the .checksums manifest for the config and print the worker script digest for worker.script_blake3.")
}

func printConfigTokenHelp() {
	fmt.Println("Usage: enginehost config token [--scopes a,b]")
	fmt.Println("Generate a random API token and print its api.auth.tokens entry.")
	fmt.Println("Without --scopes on a terminal, scopes are picked interactively.")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	format := fs.String("format", "human", "Output format (human, json)")
	strict := fs.Bool("strict", false, "Fail on warnings")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	shown := redactSecrets(*cfg)

	if *jsonOut {
		data, _ := json.MarshalIndent(shown, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

const redacted = "<redacted>"

// redactSecrets returns a copy of cfg with bearer tokens hidden.
func redactSecrets(cfg config.Config) config.Config {
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = redacted
	}
	tokens := make([]config.APIToken, len(cfg.API.Auth.Tokens))
	for i, t := range cfg.API.Auth.Tokens {
		tokens[i] = config.APIToken{Token: redacted, Scopes: t.Scopes}
	}
	cfg.API.Auth.Tokens = tokens
	return cfg
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// Load first so a broken config is never pinned.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	path, manifest, err := config.LockConfig(cfg.SourcePath, cfg.Worker.Script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", path)
	for name, hash := range manifest.Hashes {
		fmt.Printf("  %s  %s\n", hash, name)
	}

	if cfg.Worker.Script != "" {
		hash, err := config.HashFile(cfg.Worker.Script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot hash worker script: %v\n", err)
			return 1
		}
		fmt.Printf("\nPin the worker script with:\n\nworker:\n  script_blake3: %s\n", hash)
		if cfg.Worker.ScriptBLAKE3 != "" && !strings.EqualFold(cfg.Worker.ScriptBLAKE3, hash) {
			fmt.Fprintln(os.Stderr, "Warning: the configured script_blake3 no longer matches the script")
		}
	}
	return 0
}

func runConfigToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	scopesArg := fs.String("scopes", "", "Comma-separated scopes")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var scopes []string
	switch {
	case *scopesArg != "":
		scopes = parseCSVScopes(*scopesArg)
	case isTerminal(os.Stdin):
		picked, err := pickScopes()
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		scopes = picked
	default:
		fmt.Fprintln(os.Stderr, "Error: --scopes is required when not running in a terminal")
		return 1
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no scopes selected")
		return 1
	}
	for _, s := range scopes {
		if !auth.KnownScope(s) {
			fmt.Fprintf(os.Stderr, "Error: unknown scope %q\n", s)
			return 1
		}
	}

	token, err := tokenmgr.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	snippet, err := tokenmgr.Snippet(token, scopes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("Add this to config.yaml (or reference an env var with ${VAR}):")
	fmt.Println()
	fmt.Print(snippet)
	return 0
}

func pickScopes() ([]string, error) {
	final, err := tea.NewProgram(tokenmgr.New()).Run()
	if err != nil {
		return nil, err
	}
	switch picker := final.(type) {
	case tokenmgr.Picker:
		return picker.SelectedScopes(), nil
	case *tokenmgr.Picker:
		return picker.SelectedScopes(), nil
	default:
		return nil, fmt.Errorf("unexpected model %T", final)
	}
}

func parseCSVScopes(in string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(in, ",") {
		s := strings.TrimSpace(part)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
