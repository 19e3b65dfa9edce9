// Package config provides configuration parsing and validation for tun2socks.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable process configuration assembled from a
// YAML file (if any) and CLI flags, per SPEC_FULL.md §3 "Config". Flags
// always take precedence over file values; cmd/tun2socks applies them
// after loading the file.
type Config struct {
	Tun     TunConfig     `yaml:"tun"`
	SOCKS5  SOCKS5Config  `yaml:"socks5"`
	DNS     DNSConfig     `yaml:"dns"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// TunConfig names the tun collaborator: either an already-open file
// descriptor (inherited from a supervisor) or an interface name the
// process opens itself, plus the address/mask to assign if it owns the
// device.
type TunConfig struct {
	FD   int    `yaml:"fd"`
	Name string `yaml:"name"`

	Addr string `yaml:"addr"`
	Mask string `yaml:"mask"`

	MTU int `yaml:"mtu"`
}

// SOCKS5Config is the single upstream SOCKS5 front end TCP flows are
// proxied through.
type SOCKS5Config struct {
	Address     string        `yaml:"address"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DNSConfig is the single upstream UDP resolver port-53 datagrams are
// diverted to.
type DNSConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the optional Prometheus HTTP listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig controls the process-wide structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LimitsConfig bounds new-flow admission and queue sizing (SPEC_FULL.md
// §4.6 token bucket, §3 egress queue).
type LimitsConfig struct {
	NewFlowRate  float64 `yaml:"new_flow_rate"`
	NewFlowBurst int     `yaml:"new_flow_burst"`
	EgressQueue  int     `yaml:"egress_queue_depth"`
}

// Default returns a Config populated with the defaults named in
// SPEC_FULL.md §6: MSS/window defaults live in internal/tcpstack, these
// are the process-level ones.
func Default() *Config {
	return &Config{
		Tun: TunConfig{
			MTU: 2048,
		},
		SOCKS5: SOCKS5Config{
			DialTimeout: 10 * time.Second,
		},
		DNS: DNSConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Limits: LimitsConfig{
			NewFlowRate:  200,
			NewFlowBurst: 50,
			EgressQueue:  1024,
		},
	}
}

// envVarRegex matches ${VAR} or ${VAR:-default} references in a YAML
// config file, expanded before parsing.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML config file, starting from Default() so
// unspecified fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes over Default().
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for the errors named in SPEC_FULL.md
// §6, once at startup. On failure cmd/tun2socks exits with code 4 when a
// --config file was given and 1 otherwise.
func (c *Config) Validate() error {
	if c.Tun.FD <= 0 && c.Tun.Name == "" {
		return fmt.Errorf("config: one of tun.fd or tun.name is required")
	}
	if c.Tun.FD > 0 && c.Tun.Name != "" {
		return fmt.Errorf("config: tun.fd and tun.name are mutually exclusive")
	}
	if c.Tun.Addr != "" && net.ParseIP(c.Tun.Addr).To4() == nil {
		return fmt.Errorf("config: tun.addr %q is not a valid IPv4 address", c.Tun.Addr)
	}
	if c.Tun.Mask != "" && net.ParseIP(c.Tun.Mask).To4() == nil {
		return fmt.Errorf("config: tun.mask %q is not a valid IPv4 mask", c.Tun.Mask)
	}
	if c.Tun.MTU <= 0 {
		return fmt.Errorf("config: tun.mtu must be positive")
	}
	if c.SOCKS5.Address == "" {
		return fmt.Errorf("config: socks5.address is required")
	}
	if _, _, err := net.SplitHostPort(c.SOCKS5.Address); err != nil {
		return fmt.Errorf("config: socks5.address: %w", err)
	}
	if c.DNS.Address == "" {
		return fmt.Errorf("config: dns.address is required")
	}
	if _, _, err := net.SplitHostPort(c.DNS.Address); err != nil {
		return fmt.Errorf("config: dns.address: %w", err)
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("config: logging.level %q invalid", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("config: logging.format %q invalid", c.Logging.Format)
	}
	if c.Limits.EgressQueue <= 0 {
		return fmt.Errorf("config: limits.egress_queue_depth must be positive")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
