package config

import "time"

// Config represents the complete enginehost configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	Startup StartupConfig `yaml:"startup"`
	Calls   CallsConfig   `yaml:"calls"`
	Journal JournalConfig `yaml:"journal"`
	API     APIConfig     `yaml:"api,omitempty"`
	Paths   PathsConfig   `yaml:"paths"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core host settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogDir      string `yaml:"log_dir"`
	LogMaxBytes int64  `yaml:"log_max_bytes"`
	LockPath    string `yaml:"lock_path"`
}

// LogFile is the host log file inside LogDir.
func (s ServiceConfig) LogFile() string {
	return joinPath(s.LogDir, "app.log")
}

// WorkerConfig describes the supervised engine process.
type WorkerConfig struct {
	Executable     string            `yaml:"executable"`
	Script         string            `yaml:"script"`
	Args           []string          `yaml:"args,omitempty"`
	WorkingDir     string            `yaml:"working_dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	LogDirEnv      string            `yaml:"log_dir_env"`
	ReadyTimeout   time.Duration     `yaml:"ready_timeout"`
	ShutdownGrace  time.Duration     `yaml:"shutdown_grace"`
	ScriptBLAKE3   string            `yaml:"script_blake3,omitempty"`
	ControlChannel bool              `yaml:"control_channel"`
}

// StartupConfig lists operations run once the worker is ready.
type StartupConfig struct {
	Operations []StartupOperation `yaml:"operations"`
	// ExitOnFailure decides a failed worker start when nobody can be asked.
	ExitOnFailure bool `yaml:"exit_on_failure"`
}

// StartupOperation is one operation with its payload.
type StartupOperation struct {
	Operation string         `yaml:"operation"`
	Payload   map[string]any `yaml:"payload,omitempty"`
}

// CallsConfig tunes call admission.
type CallsConfig struct {
	// Timeout bounds each call. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
	// MaxQueued is how many callers may wait behind the call in flight.
	// Zero rejects concurrent calls outright.
	MaxQueued int `yaml:"max_queued"`
}

// JournalConfig defines call history storage.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PathsConfig defines the data directories handed to the UI.
type PathsConfig struct {
	DataDir   string `yaml:"data_dir"`
	TempDir   string `yaml:"temp_dir"`
	ReportDir string `yaml:"report_dir"`
}

// ChecksumManifest represents the .checksums file next to config.yaml.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns the default configuration. Relative paths are resolved
// against the config file's directory when loaded.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "enginehost",
			LogLevel:    "info",
			LogFormat:   "json",
			LogDir:      "./logs",
			LogMaxBytes: 1 << 20,
			LockPath:    "./data/enginehost.lock",
		},
		Worker: WorkerConfig{
			Executable:     "python3",
			Script:         "./engine/main.py",
			LogDirEnv:      "LOG_DIR",
			ReadyTimeout:   300 * time.Second,
			ShutdownGrace:  5 * time.Second,
			ControlChannel: true,
		},
		Startup: StartupConfig{
			Operations: []StartupOperation{
				{Operation: "run_clear_temp_dir.py", Payload: map[string]any{}},
			},
		},
		Calls: CallsConfig{
			MaxQueued: 16,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/calls.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8765",
		},
		Paths: PathsConfig{
			DataDir: "./data",
		},
	}
}
