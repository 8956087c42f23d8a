package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is read when present and no explicit path is given.
const DefaultConfigFile = "/etc/selfblock/selfblockd.yaml"

// AppConfig holds the daemon and client configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env      string         `koanf:"env" validate:"required,oneof=dev prod"`
	Log      LoggingConfig  `koanf:"log" validate:"required"`
	Daemon   DaemonConfig   `koanf:"daemon" validate:"required"`
	Settings SettingsConfig `koanf:"settings" validate:"required"`
	Backend  BackendConfig  `koanf:"backend" validate:"required"`
	Resolver ResolverConfig `koanf:"resolver" validate:"required"`
	Auth     AuthConfig     `koanf:"auth" validate:"required"`
	Journal  JournalConfig  `koanf:"journal" validate:"required"`
}

// LoggingConfig controls log verbosity and an optional file sink.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
	File  string `koanf:"file"`
}

// DaemonConfig holds the IPC socket and the two daemon timers.
type DaemonConfig struct {
	Socket            string        `koanf:"socket" validate:"required"`
	CheckupInterval   time.Duration `koanf:"checkup_interval" validate:"required,gte=1s"`
	InactivityTimeout time.Duration `koanf:"inactivity_timeout" validate:"required,gte=1s"`
}

// SettingsConfig locates the per-user settings documents.
type SettingsConfig struct {
	Directory      string        `koanf:"directory" validate:"required"`
	LockTimeout    time.Duration `koanf:"lock_timeout" validate:"required,gt=0"`
	LegacyDir      string        `koanf:"legacy_dir"`
	LegacyLockFile string        `koanf:"legacy_lock_file"`
}

// BackendConfig selects and configures the enforcement backends.
type BackendConfig struct {
	// Mode is "hosts", "pf" or "both".
	Mode       string   `koanf:"mode" validate:"required,backend_mode"`
	HostsFiles []string `koanf:"hosts_files" validate:"required_unless=Mode pf,dive,required"`
	PF         PFConfig `koanf:"pf" validate:"required"`
}

// PFConfig configures the packet filter backend.
type PFConfig struct {
	// Dialect is "pf" (pfctl anchors) or "nft" (nftables table).
	Dialect    string `koanf:"dialect" validate:"required,oneof=pf nft"`
	Anchor     string `koanf:"anchor" validate:"required,alphanum"`
	Binary     string `koanf:"binary"`
	ConfFile   string `koanf:"conf_file"`
	AnchorFile string `koanf:"anchor_file"`
}

// ResolverConfig configures upstream DNS resolution used for expansion.
type ResolverConfig struct {
	Upstream    []string      `koanf:"upstream" validate:"required,min=1,dive,ip_port"`
	Timeout     time.Duration `koanf:"timeout" validate:"required,gt=0"`
	Parallelism int           `koanf:"parallelism" validate:"required,gte=1,lte=64"`
	Cache       CacheConfig   `koanf:"cache" validate:"required"`
}

// CacheConfig sizes an in-memory cache.
type CacheConfig struct {
	Size int           `koanf:"size" validate:"required,gte=1"`
	TTL  time.Duration `koanf:"ttl" validate:"required,gt=0"`
}

// AuthConfig locates the master key used to sign authorization proofs.
type AuthConfig struct {
	KeyFile  string        `koanf:"key_file" validate:"required"`
	TokenTTL time.Duration `koanf:"token_ttl" validate:"required,gte=1s"`
}

// JournalConfig locates the block history database.
type JournalConfig struct {
	DB string `koanf:"db" validate:"required"`
}

// DEFAULT_APP_CONFIG holds the defaults applied before the file and environment.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{Level: "info"},
	Daemon: DaemonConfig{
		Socket:            "/var/run/selfblock/selfblockd.sock",
		CheckupInterval:   time.Minute,
		InactivityTimeout: 2 * time.Minute,
	},
	Settings: SettingsConfig{
		Directory:      "/var/lib/selfblock/settings",
		LockTimeout:    30 * time.Second,
		LegacyDir:      "/var/lib/selfblock/legacy",
		LegacyLockFile: "/etc/SelfControl.lock",
	},
	Backend: BackendConfig{
		Mode:       "both",
		HostsFiles: []string{"/etc/hosts"},
		PF: PFConfig{
			Dialect:    "nft",
			Anchor:     "selfblock",
			ConfFile:   "/etc/pf.conf",
			AnchorFile: "/etc/pf.anchors/selfblock",
		},
	},
	Resolver: ResolverConfig{
		Upstream:    []string{"1.1.1.1:53", "1.0.0.1:53"},
		Timeout:     2 * time.Second,
		Parallelism: 8,
		Cache:       CacheConfig{Size: 1000, TTL: 5 * time.Minute},
	},
	Auth: AuthConfig{
		KeyFile:  "/var/lib/selfblock/master.key",
		TokenTTL: 30 * time.Second,
	},
	Journal: JournalConfig{DB: "/var/lib/selfblock/journal.db"},
}

// envKeys maps SELFBLOCK_* variables onto koanf keys.
var envKeys = map[string]string{
	"SELFBLOCK_ENV":                   "env",
	"SELFBLOCK_LOG_LEVEL":             "log.level",
	"SELFBLOCK_LOG_FILE":              "log.file",
	"SELFBLOCK_SOCKET":                "daemon.socket",
	"SELFBLOCK_CHECKUP_INTERVAL":      "daemon.checkup_interval",
	"SELFBLOCK_INACTIVITY_TIMEOUT":    "daemon.inactivity_timeout",
	"SELFBLOCK_SETTINGS_DIR":          "settings.directory",
	"SELFBLOCK_SETTINGS_LOCK_TIMEOUT": "settings.lock_timeout",
	"SELFBLOCK_LEGACY_DIR":            "settings.legacy_dir",
	"SELFBLOCK_LEGACY_LOCK_FILE":      "settings.legacy_lock_file",
	"SELFBLOCK_BACKEND":               "backend.mode",
	"SELFBLOCK_HOSTS_FILES":           "backend.hosts_files",
	"SELFBLOCK_PF_DIALECT":            "backend.pf.dialect",
	"SELFBLOCK_PF_ANCHOR":             "backend.pf.anchor",
	"SELFBLOCK_PF_BINARY":             "backend.pf.binary",
	"SELFBLOCK_PF_CONF_FILE":          "backend.pf.conf_file",
	"SELFBLOCK_PF_ANCHOR_FILE":        "backend.pf.anchor_file",
	"SELFBLOCK_RESOLVER_UPSTREAM":     "resolver.upstream",
	"SELFBLOCK_RESOLVER_TIMEOUT":      "resolver.timeout",
	"SELFBLOCK_RESOLVER_PARALLELISM":  "resolver.parallelism",
	"SELFBLOCK_RESOLVER_CACHE_SIZE":   "resolver.cache.size",
	"SELFBLOCK_RESOLVER_CACHE_TTL":    "resolver.cache.ttl",
	"SELFBLOCK_AUTH_KEY_FILE":         "auth.key_file",
	"SELFBLOCK_AUTH_TOKEN_TTL":        "auth.token_ttl",
	"SELFBLOCK_JOURNAL_DB":            "journal.db",
}

// listKeys are split on spaces and commas.
var listKeys = map[string]bool{
	"backend.hosts_files": true,
	"resolver.upstream":   true,
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// validBackendMode accepts the backend selections the daemon can build.
func validBackendMode(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "hosts", "pf", "both":
		return true
	}
	return false
}

// envLoader loads SELFBLOCK_* variables through the key table and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "SELFBLOCK_",
		TransformFunc: func(key, value string) (string, any) {
			mapped, ok := envKeys[key]
			if !ok {
				return "", nil
			}
			value = strings.TrimSpace(value)
			if listKeys[mapped] {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				if parts == nil {
					parts = []string{}
				}
				return mapped, parts
			}
			return mapped, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads a YAML configuration file.
var fileLoader = func(k *koanf.Koanf, path string) error {
	return k.Load(file.Provider(path), yaml.Parser())
}

// registerValidation registers the custom "ip_port" and "backend_mode" validations.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("backend_mode", validBackendMode)
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment, in that order, and validates the result. An empty path reads
// DefaultConfigFile when it exists.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
