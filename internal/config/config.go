// Package config resolves warden's settings from flags, an optional config
// file and WARDEN_* environment variables.
//
// Precedence, highest first: explicitly set flags, environment, config file,
// flag defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WARDEN"

// Config is the fully resolved process configuration.
type Config struct {
	Listen      string
	AdminListen string
	ReusePort   bool

	ForbiddenHostsFile string
	BannedWordsFile    string
	AuditLogFile       string

	Upstream           string
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	MaxConns     int
	BufferSize   int
	PollInterval time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// RegisterFlags defines every setting on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (yaml, json or toml). Empty disables.")
	fs.String("listen", "127.0.0.1:8989", "Proxy listen address")
	fs.String("admin-listen", "", "Admin HTTP listen address exposing /metrics, /healthz and /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	fs.Bool("reuse-port", false, "Set SO_REUSEPORT on the proxy listener")
	fs.String("forbidden-hosts", "forbidden-hosts.txt", "File with one forbidden host per line. Empty disables host blocking.")
	fs.String("banned-words", "banned-words.txt", "File with one banned word per line. Empty disables content filtering.")
	fs.String("audit-log", "proxy.log", "Audit log file")
	fs.String("upstream", "direct://", "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.Duration("negotiation-timeout", 0, "Timeout for reading the client's request and upstream proxy negotiation. Zero disables.")
	fs.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.Int("max-conns", 1024, "Maximum concurrently handled client connections. Zero or less is unbounded.")
	fs.Int("buffer-size", 4096, "Read size for requests, filtered responses and tunnel copies")
	fs.Duration("poll-interval", time.Second, "Idle wake-up interval of the CONNECT tunnel copy loop")
	fs.String("log-level", "info", "Diagnostic log level: debug|info|warn|error")
	fs.String("log-format", "text", "Diagnostic log format: text|json")
}

// Load resolves the configuration for a parsed flag set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Listen:             v.GetString("listen"),
		AdminListen:        v.GetString("admin-listen"),
		ReusePort:          v.GetBool("reuse-port"),
		ForbiddenHostsFile: v.GetString("forbidden-hosts"),
		BannedWordsFile:    v.GetString("banned-words"),
		AuditLogFile:       v.GetString("audit-log"),
		Upstream:           v.GetString("upstream"),
		DialTimeout:        v.GetDuration("dial-timeout"),
		NegotiationTimeout: v.GetDuration("negotiation-timeout"),
		MaxConns:           v.GetInt("max-conns"),
		BufferSize:         v.GetInt("buffer-size"),
		PollInterval:       v.GetDuration("poll-interval"),
		LogFormat:          strings.ToLower(v.GetString("log-format")),
	}

	var err error
	if cfg.KeepAlive, err = ParseTCPKeepAlive(v.GetString("tcp-keepalive")); err != nil {
		return nil, fmt.Errorf("invalid tcp-keepalive: %w", err)
	}
	if cfg.LogLevel, err = parseLevel(v.GetString("log-level")); err != nil {
		return nil, fmt.Errorf("invalid log-level: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.AuditLogFile == "" {
		return errors.New("audit-log must not be empty")
	}
	if c.BufferSize < 64 {
		return fmt.Errorf("buffer-size %d too small (minimum 64)", c.BufferSize)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format %q (expected text or json)", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, err
	}
	return l, nil
}

// ParseTCPKeepAlive parses on|off|keepidle:keepintvl:keepcnt, with idle and
// interval in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
