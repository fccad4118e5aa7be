// Package doctor validates enginehost configuration and the worker setup it
// points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/enginehost/internal/auth"
	"github.com/mattjoyce/enginehost/internal/config"
	"github.com/mattjoyce/enginehost/internal/storage"
	"github.com/mattjoyce/enginehost/internal/worker"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the local machine.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateWorker(r)
	d.validateScriptPin(r)
	d.validateStartup(r)
	d.validateJournal(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnMissingPaths(r)
	d.warnMissingEnvVars(r)
	d.warnAdminKey(r)
	d.warnSuspiciousTimeouts(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks the log directory can be written.
func (d *Doctor) validateServiceConfig(r *Result) {
	dir := d.cfg.Service.LogDir
	if dir == "" {
		d.addError(r, "service", "service.log_dir", "service.log_dir is required")
		return
	}
	if err := checkWritableDir(dir); err != nil {
		d.addError(r, "service", "service.log_dir",
			fmt.Sprintf("log directory %s is not writable: %v", dir, err))
	}
	if d.cfg.Service.LockPath == "" {
		d.addError(r, "service", "service.lock_path", "service.lock_path is required")
	}
}

// validateWorker checks the executable and entry script exist.
func (d *Doctor) validateWorker(r *Result) {
	w := d.cfg.Worker
	if _, err := worker.ResolveExecutable(w.Executable); err != nil {
		d.addError(r, "worker", "worker.executable", err.Error())
	}
	if w.Script != "" {
		info, err := os.Stat(w.Script)
		switch {
		case err != nil:
			d.addError(r, "worker", "worker.script",
				fmt.Sprintf("worker script %s not found", w.Script))
		case info.IsDir():
			d.addError(r, "worker", "worker.script",
				fmt.Sprintf("worker script %s is a directory", w.Script))
		}
	}
	if w.WorkingDir != "" {
		if info, err := os.Stat(w.WorkingDir); err != nil || !info.IsDir() {
			d.addError(r, "worker", "worker.working_dir",
				fmt.Sprintf("working directory %s does not exist", w.WorkingDir))
		}
	}
	if w.ReadyTimeout <= 0 {
		d.addError(r, "worker", "worker.ready_timeout", "ready_timeout must be positive")
	}
	if w.ShutdownGrace <= 0 {
		d.addError(r, "worker", "worker.shutdown_grace", "shutdown_grace must be positive")
	}
	if w.LogDirEnv == "" {
		d.addWarning(r, "worker", "worker.log_dir_env", "log_dir_env is empty; the worker will not be told where to log")
	}
}

// validateScriptPin checks the pinned BLAKE3 digest of the entry script.
func (d *Doctor) validateScriptPin(r *Result) {
	w := d.cfg.Worker
	if w.ScriptBLAKE3 == "" {
		if w.Script != "" {
			d.addWarning(r, "integrity", "worker.script_blake3", "worker script is not pinned; run 'enginehost config lock' and set script_blake3")
		}
		return
	}
	if _, err := os.Stat(w.Script); err != nil {
		return // reported by validateWorker
	}
	if err := config.VerifyFileHash(w.Script, strings.ToLower(w.ScriptBLAKE3)); err != nil {
		d.addError(r, "integrity", "worker.script_blake3", err.Error())
	}
}

// validateStartup flags duplicated startup operations.
func (d *Doctor) validateStartup(r *Result) {
	seen := make(map[string]int)
	for i, op := range d.cfg.Startup.Operations {
		field := fmt.Sprintf("startup.operations[%d]", i)
		if op.Operation == "" {
			d.addError(r, "startup", field+".operation", "operation is required")
			continue
		}
		if prev, ok := seen[op.Operation]; ok {
			d.addWarning(r, "startup", field,
				fmt.Sprintf("operation %q already runs at startup.operations[%d]", op.Operation, prev))
			continue
		}
		seen[op.Operation] = i
	}
}

// validateJournal checks the journal database location.
func (d *Doctor) validateJournal(r *Result) {
	j := d.cfg.Journal
	if !j.Enabled {
		return
	}
	if j.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
		return
	}
	if err := checkWritableDir(filepath.Dir(j.Path)); err != nil {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("journal directory %s is not writable: %v", filepath.Dir(j.Path), err))
		return
	}
	if err := storage.CheckLocalFilesystem(j.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %s, which is reachable beyond this machine", d.cfg.API.Listen))
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every /v1 request will be rejected")
	}
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
				"token has no scopes and can only reach unauthenticated endpoints")
		}
		for j, scope := range token.Scopes {
			field := fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j)
			scope = strings.TrimSpace(scope)
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", field,
					fmt.Sprintf("unknown scope %q (expected operations:rw, worker:rw, events:ro, calls:ro or *)", scope))
			}
		}
	}
}

// warnMissingPaths notes data directories that do not exist yet.
func (d *Doctor) warnMissingPaths(r *Result) {
	for field, dir := range map[string]string{
		"paths.temp_dir":   d.cfg.Paths.TempDir,
		"paths.report_dir": d.cfg.Paths.ReportDir,
	} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			d.addWarning(r, "paths", field, fmt.Sprintf("%s does not exist yet and will be created on start", dir))
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
	for k, v := range d.cfg.Worker.Env {
		for _, m := range envVarRe.FindAllStringSubmatch(v, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", "worker.env."+k,
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
}

// warnAdminKey notes an admin key configured alongside scoped tokens.
func (d *Doctor) warnAdminKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "auth", "api.auth",
			"both api_key and tokens configured; api_key grants full access to anyone holding it")
	}
}

// warnSuspiciousTimeouts flags values that rarely make sense.
func (d *Doctor) warnSuspiciousTimeouts(r *Result) {
	if t := d.cfg.Worker.ReadyTimeout; t > 0 && t < time.Second {
		d.addWarning(r, "worker", "worker.ready_timeout",
			fmt.Sprintf("ready_timeout %s is very short; engines that load libraries need longer", t))
	}
	if t := d.cfg.Calls.Timeout; t > 0 && t < time.Second {
		d.addWarning(r, "calls", "calls.timeout",
			fmt.Sprintf("calls.timeout %s is very short; abandoned calls keep the worker busy", t))
	}
	if d.cfg.Calls.MaxQueued == 0 {
		d.addWarning(r, "calls", "calls.max_queued", "max_queued is 0; concurrent calls are rejected with call_in_progress")
	}
}

// checkWritableDir creates dir if needed and writes a probe file into it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
