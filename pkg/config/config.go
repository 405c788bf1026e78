// Package config holds the configuration of the calcmir server, proxy and
// client.
//
// Values come from several sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. A YAML configuration file
//  4. Default values (lowest priority)
//
// Environment variables are prefixed with "CALCMIR_" and use uppercase names
// with dashes and dots replaced by underscores. For example, the server port
// can be set with CALCMIR_PORT=8888 and the log level with
// CALCMIR_LOG_LEVEL=debug.
//
// Example server usage:
//
//	v := config.NewViper()
//	if err := config.BindFlags(v, cmd.Flags()); err != nil {
//		return err
//	}
//	cfg, err := config.LoadServer(v, configPath)
//	if err != nil {
//		log.Fatal(err)
//	}
//	listener, err := net.Listen("tcp", cfg.Address())
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultServerHost    = "127.0.0.1"
	DefaultServerPort    = 9999
	DefaultProxyHost     = "127.0.0.1"
	DefaultProxyPort     = 9998
	DefaultCacheControl  = 65535
	DefaultConnTimeout   = 5 * time.Second
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultVirtualNodes  = 150
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogMaxSizeMB  = 50
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig holds the options of calc-server.
//
// Example:
//
//	cfg := config.DefaultServer()
//	cfg.Port = 8888
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// CacheResult and CacheControl are stamped on 200 and 400 responses.
	CacheResult  bool `mapstructure:"cache_result"`
	CacheControl int  `mapstructure:"cache_control"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Log LogConfig `mapstructure:"log"`
}

// ProxyConfig holds the options of calc-proxy.
type ProxyConfig struct {
	Host string `mapstructure:"proxy_host"`
	Port int    `mapstructure:"proxy_port"`

	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Origins overrides ServerHost and ServerPort with a list of
	// "host:port" addresses spread over a consistent hash ring.
	Origins      []string `mapstructure:"origin"`
	VirtualNodes int      `mapstructure:"virtual_nodes"`

	ConnTimeout  time.Duration `mapstructure:"conn_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	Log LogConfig `mapstructure:"log"`
}

// ClientConfig holds the options of calc-client.
type ClientConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ShowSteps    bool `mapstructure:"show_steps"`
	CacheResult  bool `mapstructure:"cache_result"`
	CacheControl int  `mapstructure:"cache_control"`

	ConnTimeout  time.Duration `mapstructure:"conn_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	Log LogConfig `mapstructure:"log"`
}

// DefaultLog returns the default logging configuration.
func DefaultLog() LogConfig {
	return LogConfig{
		Level:   DefaultLogLevel,
		Format:  DefaultLogFormat,
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   true,
		},
	}
}

// DefaultServer returns a ServerConfig populated with defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Host:         DefaultServerHost,
		Port:         DefaultServerPort,
		CacheResult:  true,
		CacheControl: DefaultCacheControl,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Log:          DefaultLog(),
	}
}

// DefaultProxy returns a ProxyConfig populated with defaults.
func DefaultProxy() *ProxyConfig {
	return &ProxyConfig{
		Host:         DefaultProxyHost,
		Port:         DefaultProxyPort,
		ServerHost:   DefaultServerHost,
		ServerPort:   DefaultServerPort,
		VirtualNodes: DefaultVirtualNodes,
		ConnTimeout:  DefaultConnTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Log:          DefaultLog(),
	}
}

// DefaultClient returns a ClientConfig populated with defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Host:         DefaultServerHost,
		Port:         DefaultServerPort,
		ShowSteps:    true,
		CacheResult:  true,
		CacheControl: DefaultCacheControl,
		ConnTimeout:  DefaultConnTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Log:          DefaultLog(),
	}
}

// Address returns the listen address in "host:port" form.
func (c *ServerConfig) Address() string { return joinHostPort(c.Host, c.Port) }

// Address returns the listen address in "host:port" form.
func (c *ProxyConfig) Address() string { return joinHostPort(c.Host, c.Port) }

// Address returns the address to connect to in "host:port" form.
func (c *ClientConfig) Address() string { return joinHostPort(c.Host, c.Port) }

// OriginAddresses returns the origin servers to forward to: Origins when set,
// otherwise the single ServerHost:ServerPort.
func (c *ProxyConfig) OriginAddresses() []string {
	if len(c.Origins) > 0 {
		return c.Origins
	}
	return []string{joinHostPort(c.ServerHost, c.ServerPort)}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Validate checks the ServerConfig.
//
// Validation rules:
//   - Port must be between 1 and 65535
//   - CacheControl must be between 0 and 65535
//   - Timeouts must be positive
//   - Log settings must be valid
func (c *ServerConfig) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if err := validateCacheControl(c.CacheControl); err != nil {
		return err
	}
	if err := validateTimeouts(0, c.ReadTimeout, c.WriteTimeout); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Validate checks the ProxyConfig. Every origin must be a "host:port"
// address.
func (c *ProxyConfig) Validate() error {
	if err := validatePort("proxy port", c.Port); err != nil {
		return err
	}
	if len(c.Origins) == 0 {
		if err := validatePort("server port", c.ServerPort); err != nil {
			return err
		}
	}
	for _, origin := range c.Origins {
		if _, _, err := net.SplitHostPort(origin); err != nil {
			return fmt.Errorf("invalid origin address %q: %w", origin, err)
		}
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be positive: %d", c.VirtualNodes)
	}
	if err := validateTimeouts(c.ConnTimeout, c.ReadTimeout, c.WriteTimeout); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Validate checks the ClientConfig.
func (c *ClientConfig) Validate() error {
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if err := validateCacheControl(c.CacheControl); err != nil {
		return err
	}
	if err := validateTimeouts(c.ConnTimeout, c.ReadTimeout, c.WriteTimeout); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Validate checks the LogConfig and fills in empty format and outputs.
func (c *LogConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Level)
	}
	switch c.Format {
	case "":
		c.Format = DefaultLogFormat
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Format)
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []string{"stderr"}
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}

func validateCacheControl(cc int) error {
	if cc < 0 || cc > DefaultCacheControl {
		return fmt.Errorf("cache control must be between 0 and %d: %d", DefaultCacheControl, cc)
	}
	return nil
}

// validateTimeouts checks that every timeout is positive. A zero conn
// timeout means no dial deadline.
func validateTimeouts(conn, read, write time.Duration) error {
	if conn < 0 {
		return fmt.Errorf("connection timeout must be positive: %s", conn)
	}
	if read <= 0 {
		return fmt.Errorf("read timeout must be positive: %s", read)
	}
	if write <= 0 {
		return fmt.Errorf("write timeout must be positive: %s", write)
	}
	return nil
}
