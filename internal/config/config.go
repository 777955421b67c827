package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sitebox/internal/errs"
	"sitebox/internal/security"
	"sitebox/pkg/cmdutil"
	"sitebox/pkg/fileutil"
)

// DefaultConfigName is the file looked up in the default search paths.
const DefaultConfigName = "sitebox.env"

const (
	DefaultSourceDir         = "~/website"
	DefaultWebRoot           = "/var/www/html"
	DefaultBackupDir         = "/var/backups/website"
	DefaultMaxBackups        = 5
	DefaultLogDir            = "logs"
	DefaultWebUser           = "www-data"
	DefaultWebGroup          = "www-data"
	DefaultConfigTestCommand = "nginx -t"
	DefaultReloadCommand     = "systemctl reload nginx"
	DefaultDNSResolver       = "1.1.1.1:53"
	DefaultDNSCheckAttempts  = 12
	DefaultDNSCheckInterval  = 10 * time.Second
)

// Config is the immutable run configuration. It is built once by Load and
// passed by value into every component constructor.
type Config struct {
	Domain string
	Token  string
	Email  string

	SourceDir  string
	WebRoot    string
	BackupDir  string
	MaxBackups int

	LogDir    string
	HistoryDB string

	WebUser  string
	WebGroup string

	ConfigTestCommand []string
	ReloadCommand     []string

	DNSResolver      string
	DNSCheckAttempts int
	DNSCheckInterval time.Duration
	SSLStrictDNS     bool

	// Source is the file the values were read from, empty when only
	// defaults and the environment were used.
	Source string
}

// Requirements selects which groups of keys must be present. The pipeline
// derives it from the steps that are not skipped.
type Requirements struct {
	Server bool
	DNS    bool
	Deploy bool
	SSL    bool
}

// keys lists every recognised key with its aliases, first match wins.
var keys = map[string][]string{
	"domain":      {"DUCKDNS_DOMAIN", "DOMAIN"},
	"token":       {"DUCKDNS_TOKEN", "TOKEN"},
	"email":       {"LETSENCRYPT_EMAIL"},
	"source":      {"SITE_SOURCE_DIR", "LOCAL_REPO_DIR"},
	"webroot":     {"WEB_ROOT"},
	"backupdir":   {"BACKUP_DIR"},
	"maxbackups":  {"MAX_BACKUPS"},
	"logdir":      {"LOG_DIR"},
	"historydb":   {"HISTORY_DB"},
	"webuser":     {"WEB_USER"},
	"webgroup":    {"WEB_GROUP"},
	"configtest":  {"CONFIG_TEST_COMMAND"},
	"reload":      {"RELOAD_COMMAND"},
	"resolver":    {"DNS_RESOLVER"},
	"dnsattempts": {"DNS_CHECK_ATTEMPTS"},
	"dnsinterval": {"DNS_CHECK_INTERVAL"},
	"sslstrict":   {"SSL_STRICT_DNS"},
}

// SearchPaths returns the default config file search paths.
func SearchPaths() []string {
	return fileutil.DefaultConfigPaths(DefaultConfigName)
}

// Load builds a Config from defaults, the key-value file at path (optional,
// "" searches the default locations) and the process environment. The
// environment wins over the file.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	if path == "" {
		path = fileutil.SearchPathsOptional(SearchPaths())
	}

	values := map[string]string{}
	if path != "" {
		fileValues, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		values = fileValues
	}

	get := func(name string) string {
		for _, k := range keys[name] {
			if v, ok := lookupEnv(k); ok && v != "" {
				return v
			}
		}
		for _, k := range keys[name] {
			if v, ok := values[k]; ok && v != "" {
				return v
			}
		}
		return ""
	}

	cfg := Config{
		Domain:           get("domain"),
		Token:            get("token"),
		Email:            get("email"),
		SourceDir:        orDefault(get("source"), DefaultSourceDir),
		WebRoot:          orDefault(get("webroot"), DefaultWebRoot),
		BackupDir:        orDefault(get("backupdir"), DefaultBackupDir),
		LogDir:           orDefault(get("logdir"), DefaultLogDir),
		WebUser:          orDefault(get("webuser"), DefaultWebUser),
		WebGroup:         orDefault(get("webgroup"), DefaultWebGroup),
		DNSResolver:      orDefault(get("resolver"), DefaultDNSResolver),
		MaxBackups:       DefaultMaxBackups,
		DNSCheckAttempts: DefaultDNSCheckAttempts,
		DNSCheckInterval: DefaultDNSCheckInterval,
		Source:           path,
	}
	cfg.SourceDir = fileutil.ExpandHome(cfg.SourceDir)
	cfg.HistoryDB = orDefault(get("historydb"), filepath.Join(cfg.LogDir, "history.db"))

	var result error

	if v := get("maxbackups"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			result = multierror.Append(result, fmt.Errorf("MAX_BACKUPS must be a positive integer, got %q", v))
		} else {
			cfg.MaxBackups = n
		}
	}

	if v := get("dnsattempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			result = multierror.Append(result, fmt.Errorf("DNS_CHECK_ATTEMPTS must be a positive integer, got %q", v))
		} else {
			cfg.DNSCheckAttempts = n
		}
	}

	if v := get("dnsinterval"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("DNS_CHECK_INTERVAL: %w", err))
		} else {
			cfg.DNSCheckInterval = d
		}
	}

	if v := get("sslstrict"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("SSL_STRICT_DNS must be a boolean, got %q", v))
		} else {
			cfg.SSLStrictDNS = b
		}
	}

	var err error
	if cfg.ConfigTestCommand, err = commandOrDefault(get("configtest"), DefaultConfigTestCommand); err != nil {
		result = multierror.Append(result, fmt.Errorf("CONFIG_TEST_COMMAND: %w", err))
	}
	if cfg.ReloadCommand, err = commandOrDefault(get("reload"), DefaultReloadCommand); err != nil {
		result = multierror.Append(result, fmt.Errorf("RELOAD_COMMAND: %w", err))
	}

	if result != nil {
		return Config{}, &errs.ValidationError{Err: result}
	}
	return cfg, nil
}

// ReadFile parses a key-value configuration file. Files ending in .yaml or
// .yml are read as a flat YAML mapping, everything else as KEY=value lines.
func ReadFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		raw := map[string]interface{}{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		values := make(map[string]string, len(raw))
		for k, v := range raw {
			switch v.(type) {
			case map[string]interface{}, []interface{}:
				return nil, fmt.Errorf("parsing config file %s: key %s must be a scalar", path, k)
			case nil:
				values[k] = ""
			default:
				values[k] = fmt.Sprint(v)
			}
		}
		return values, nil
	default:
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		return values, nil
	}
}

// Validate checks that every key needed by the required groups is present
// and well formed. All problems are reported together.
func (c Config) Validate(req Requirements) error {
	var result error

	if req.Server || req.DNS || req.SSL {
		if c.Domain == "" {
			result = multierror.Append(result, fmt.Errorf("missing DUCKDNS_DOMAIN (or DOMAIN)"))
		} else if err := security.ValidateDomain(c.Domain); err != nil {
			result = multierror.Append(result, fmt.Errorf("DUCKDNS_DOMAIN: %w", err))
		}
	}

	if req.DNS {
		if c.Token == "" {
			result = multierror.Append(result, fmt.Errorf("missing DUCKDNS_TOKEN (or TOKEN)"))
		} else if err := security.ValidateToken(c.Token); err != nil {
			result = multierror.Append(result, fmt.Errorf("DUCKDNS_TOKEN: %w", err))
		}
	}

	if req.SSL {
		if c.Email == "" {
			result = multierror.Append(result, fmt.Errorf("missing LETSENCRYPT_EMAIL"))
		} else if err := security.ValidateEmail(c.Email); err != nil {
			result = multierror.Append(result, fmt.Errorf("LETSENCRYPT_EMAIL: %w", err))
		}
	}

	if req.Server && !req.Deploy {
		if _, err := security.SanitizePath(c.WebRoot); err != nil {
			result = multierror.Append(result, fmt.Errorf("WEB_ROOT: %w", err))
		}
	}

	if req.Deploy {
		if _, err := security.SanitizePath(c.WebRoot); err != nil {
			result = multierror.Append(result, fmt.Errorf("WEB_ROOT: %w", err))
		} else if security.IsDangerousRoot(c.WebRoot) {
			result = multierror.Append(result, fmt.Errorf("WEB_ROOT %s is a system directory and cannot be mirrored into", c.WebRoot))
		}
		if _, err := security.SanitizePath(c.BackupDir); err != nil {
			result = multierror.Append(result, fmt.Errorf("BACKUP_DIR: %w", err))
		} else if c.WebRoot != "" && security.Overlaps(c.WebRoot, c.BackupDir) {
			result = multierror.Append(result, fmt.Errorf("BACKUP_DIR %s and WEB_ROOT %s must not contain each other", c.BackupDir, c.WebRoot))
		}
		if c.SourceDir == "" {
			result = multierror.Append(result, fmt.Errorf("missing SITE_SOURCE_DIR (or LOCAL_REPO_DIR)"))
		}
	}

	if result != nil {
		return &errs.ValidationError{Err: result}
	}
	return nil
}

// FQDN returns the full DuckDNS host name for the configured domain.
func (c Config) FQDN() string {
	return DuckDNSFQDN(c.Domain)
}

// DuckDNSFQDN expands a bare DuckDNS subdomain to its host name.
func DuckDNSFQDN(domain string) string {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	if d == "" || strings.Contains(d, ".") {
		return d
	}
	return d + ".duckdns.org"
}

// parseInterval accepts Go durations ("10s") and bare seconds ("10").
func parseInterval(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("must not be negative, got %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %q", v)
	}
	return d, nil
}

func commandOrDefault(v, def string) ([]string, error) {
	return cmdutil.ParseCommandString(orDefault(v, def))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
