package gateway

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/tally/internal/config"
)

// Gateway defaults.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8787
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
)

// Settings is the resolved gateway configuration.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the server section of .tally/config.yaml and then
// the TALLY_SERVER_* environment over the defaults. Invalid values are ignored.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		s.merge(cfg.Project.Server)
	}
	s.mergeEnv(os.Getenv)
	return s
}

func (s *Settings) merge(raw config.ServerConfig) {
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	if host := strings.TrimSpace(raw.Host); host != "" {
		s.Host = host
	}
	if validPort(raw.Port) {
		s.Port = raw.Port
	}
	if raw.MaxBodyBytes > 0 {
		s.MaxBodyBytes = raw.MaxBodyBytes
	}
	if raw.ReadTimeout > 0 {
		s.ReadTimeout = raw.ReadTimeout
	}
	if raw.WriteTimeout > 0 {
		s.WriteTimeout = raw.WriteTimeout
	}
}

func (s *Settings) mergeEnv(getenv func(string) string) {
	lookup := func(name string) string { return strings.TrimSpace(getenv("TALLY_SERVER_" + name)) }
	if enabled, err := strconv.ParseBool(lookup("ENABLED")); err == nil {
		s.Enabled = enabled
	}
	if host := lookup("HOST"); host != "" {
		s.Host = host
	}
	if port, err := strconv.Atoi(lookup("PORT")); err == nil && validPort(port) {
		s.Port = port
	}
	if limit, err := strconv.ParseInt(lookup("MAX_BODY"), 10, 64); err == nil && limit > 0 {
		s.MaxBodyBytes = limit
	}
	if d, err := time.ParseDuration(lookup("READ_TIMEOUT")); err == nil && d > 0 {
		s.ReadTimeout = d
	}
	if d, err := time.ParseDuration(lookup("WRITE_TIMEOUT")); err == nil && d > 0 {
		s.WriteTimeout = d
	}
}

// Address is the host:port the listener binds.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the base URL clients use.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
