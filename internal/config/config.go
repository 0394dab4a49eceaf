// Package config loads and validates the broker's INI-style configuration
// file and derives the immutable runtime settings from it.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Config is the immutable, fully-derived broker configuration. Nothing in
// the rest of the program mutates it after Load returns.
type Config struct {
	PIDFile string
	User    string

	LogLevel  string
	LogFile   string
	LogSize   int64 // bytes
	LogNumber int

	ListenAddress string
	ListenPort    int
	ListenIPv6    bool

	Workers int

	SSLCertificate    string
	SSLCertificateKey string
	SSLCiphers        string
	SSLDHParam        string

	UDSServer    string
	UDSToken     string
	UDSTimeout   int
	UDSVerifySSL bool

	// Secret is the lowercase hex SHA-256 digest of the plaintext secret
	// value. The plaintext itself is never retained.
	Secret string

	Allow map[string]struct{}

	UseUVLoop bool
}

// DefaultConfigPath returns the default location the broker looks for its
// configuration when none is given on the command line, following the
// standard XDG_CONFIG_HOME/APPDATA/HOME fallback chain.
func DefaultConfigPath() (string, error) {
	name := "udstunnel.conf"
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "udstunnel", name), nil
	}
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "udstunnel", name), nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "udstunnel", name), nil
	}
	return "", fmt.Errorf("could not determine a default config path")
}

// Load reads the INI-style configuration file at path and returns the
// derived, immutable Config. All keys live under the implicit top-level
// section, matching the plain `key = value` file the original tunnel server
// expects.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: false}, path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	sec := f.Section("")

	cfg := &Config{
		PIDFile:   sec.Key("pidfile").MustString(""),
		User:      sec.Key("user").MustString(""),
		LogLevel:  strings.ToUpper(sec.Key("loglevel").MustString("ERROR")),
		LogFile:   sec.Key("logfile").MustString(""),
		LogNumber: sec.Key("lognumber").MustInt(3),

		ListenAddress: sec.Key("address").MustString("0.0.0.0"),
		ListenPort:    sec.Key("port").MustInt(443),
		ListenIPv6:    sec.Key("ipv6").MustBool(false),

		SSLCiphers: sec.Key("ssl_ciphers").MustString(""),
		SSLDHParam: sec.Key("ssl_dhparam").MustString(""),

		UDSToken:     sec.Key("uds_token").MustString("unauthorized"),
		UDSTimeout:   sec.Key("uds_timeout").MustInt(10),
		UDSVerifySSL: sec.Key("uds_verify_ssl").MustBool(true),

		UseUVLoop: sec.Key("use_uvloop").MustBool(true),
	}

	cfg.LogSize, err = parseLogSize(sec.Key("logsize").MustString("32M"))
	if err != nil {
		return nil, fmt.Errorf("config: logsize: %w", err)
	}

	if !sec.HasKey("ssl_certificate") {
		return nil, fmt.Errorf("config: mandatory configuration parameter not found: ssl_certificate")
	}
	cfg.SSLCertificate = sec.Key("ssl_certificate").String()
	cfg.SSLCertificateKey = sec.Key("ssl_certificate_key").MustString("")

	if !sec.HasKey("uds_server") {
		return nil, fmt.Errorf("config: mandatory configuration parameter not found: uds_server")
	}
	udsServer, err := normalizeUDSServer(sec.Key("uds_server").String())
	if err != nil {
		return nil, err
	}
	cfg.UDSServer = udsServer

	workers := sec.Key("workers").MustInt(0)
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	cfg.Workers = workers

	sum := sha256.Sum256([]byte(sec.Key("secret").MustString("")))
	cfg.Secret = hex.EncodeToString(sum[:])

	cfg.Allow = parseAllowList(sec.Key("allow").MustString("127.0.0.1"))

	return cfg, nil
}

// normalizeUDSServer validates the control-plane base URL and strips a
// single trailing slash, as spec.md §4.1 requires.
func normalizeUDSServer(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http") {
		return "", fmt.Errorf("config: invalid url for uds server: %q", raw)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// parseLogSize accepts a trailing "M" meaning mebibytes, or a bare number
// treated identically, and returns the size in bytes.
func parseLogSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "M")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid logsize %q: %w", raw, err)
	}
	return n * 1024 * 1024, nil
}

// parseAllowList splits a comma-separated list of IP literals into an
// unordered set.
func parseAllowList(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

// Allowed reports whether ip is present in the allow-list.
func (c *Config) Allowed(ip string) bool {
	_, ok := c.Allow[ip]
	return ok
}
