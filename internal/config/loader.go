package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding config.yaml.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	// Apply config defaults before validation
	cfg = applyConfigDefaults(cfg)

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadConfigFile parses path on top of Defaults, so keys absent from the file
// keep their default values.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults fills blanks and resolves relative paths against the
// config file's directory.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()
	baseDir := filepath.Dir(cfg.SourcePath)

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LogDir == "" {
		cfg.Service.LogDir = defaults.Service.LogDir
	}
	if cfg.Service.LogMaxBytes <= 0 {
		cfg.Service.LogMaxBytes = defaults.Service.LogMaxBytes
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}

	if cfg.Worker.LogDirEnv == "" {
		cfg.Worker.LogDirEnv = defaults.Worker.LogDirEnv
	}
	if cfg.Worker.ReadyTimeout <= 0 {
		cfg.Worker.ReadyTimeout = defaults.Worker.ReadyTimeout
	}
	if cfg.Worker.ShutdownGrace <= 0 {
		cfg.Worker.ShutdownGrace = defaults.Worker.ShutdownGrace
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = defaults.Paths.DataDir
	}

	cfg.Service.LogDir = resolvePath(baseDir, cfg.Service.LogDir)
	cfg.Service.LockPath = resolvePath(baseDir, cfg.Service.LockPath)
	cfg.Journal.Path = resolvePath(baseDir, cfg.Journal.Path)
	cfg.Paths.DataDir = resolvePath(baseDir, cfg.Paths.DataDir)
	if cfg.Paths.TempDir == "" {
		cfg.Paths.TempDir = filepath.Join(cfg.Paths.DataDir, "temp")
	}
	if cfg.Paths.ReportDir == "" {
		cfg.Paths.ReportDir = filepath.Join(cfg.Paths.DataDir, "reports")
	}
	cfg.Paths.TempDir = resolvePath(baseDir, cfg.Paths.TempDir)
	cfg.Paths.ReportDir = resolvePath(baseDir, cfg.Paths.ReportDir)

	if cfg.Worker.Script != "" {
		cfg.Worker.Script = resolvePath(baseDir, cfg.Worker.Script)
	}
	if cfg.Worker.WorkingDir != "" {
		cfg.Worker.WorkingDir = resolvePath(baseDir, cfg.Worker.WorkingDir)
	}
	// Bare command names are looked up in PATH; only paths are anchored.
	if strings.ContainsRune(cfg.Worker.Executable, '/') || strings.ContainsRune(cfg.Worker.Executable, os.PathSeparator) {
		cfg.Worker.Executable = resolvePath(baseDir, cfg.Worker.Executable)
	}

	return cfg
}

func resolvePath(baseDir, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(baseDir, path)
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// If .checksums is missing, verification is skipped.
		return nil
	}

	basename := filepath.Base(path)
	if _, ok := checksums.Hashes[basename]; !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: enginehost config lock --config %s", basename, dir, path)
	}
	if err := checksums.Verify(dir); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited a pinned file intentionally, run: enginehost config lock --config %s", path, err, path)
	}
	return nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		// Look up environment variable
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Worker.Executable == "" {
		return fmt.Errorf("worker.executable is required")
	}
	if envVarPattern.MatchString(cfg.Worker.Executable) || envVarPattern.MatchString(cfg.Worker.Script) {
		return fmt.Errorf("worker: unresolved environment variable in executable or script")
	}
	if h := cfg.Worker.ScriptBLAKE3; h != "" && (len(h) != 64 || strings.Trim(strings.ToLower(h), "0123456789abcdef") != "") {
		return fmt.Errorf("worker.script_blake3 must be a 64-character hex digest")
	}
	if h := cfg.Worker.ScriptBLAKE3; h != "" && cfg.Worker.Script == "" {
		return fmt.Errorf("worker.script_blake3 requires worker.script")
	}
	for k := range cfg.Worker.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return fmt.Errorf("worker.env: invalid variable name %q", k)
		}
	}

	for i, op := range cfg.Startup.Operations {
		if op.Operation == "" {
			return fmt.Errorf("startup.operations[%d].operation is required", i)
		}
	}

	if cfg.Calls.Timeout < 0 {
		return fmt.Errorf("calls.timeout must not be negative")
	}
	if cfg.Calls.MaxQueued < 0 {
		return fmt.Errorf("calls.max_queued must not be negative")
	}
	if cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	// API auth validation
	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.auth.api_key: unresolved environment variable")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				matches := envVarPattern.FindStringSubmatch(tok.Token)
				if len(matches) > 1 {
					return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
				}
				return fmt.Errorf("api.auth.tokens[%d].token: unresolved environment variable", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}
