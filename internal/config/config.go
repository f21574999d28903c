// Package config loads the mailsubmit.toml file read by the command line
// tool and turns it into a connector and service settings.
package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alexisbouchez/mailsubmit"
	"github.com/alexisbouchez/mailsubmit/sesclient"
	"github.com/alexisbouchez/mailsubmit/smtpclient"
	"github.com/alexisbouchez/mailsubmit/submission"
)

// Config is the top-level configuration.
type Config struct {
	Transport string  `toml:"transport"` // "smtp" (default) or "ses"
	Server    Server  `toml:"server"`
	Auth      Auth    `toml:"auth"`
	Service   Service `toml:"service"`
	Render    Render  `toml:"render"`
	SES       SES     `toml:"ses"`
}

// Server is the SMTP submission server.
type Server struct {
	Address            string   `toml:"address"`
	Security           string   `toml:"security,omitempty"` // opportunistic, starttls, tls or none
	LocalName          string   `toml:"local_name,omitempty"`
	TLSServerName      string   `toml:"tls_server_name,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
	Timeout            Duration `toml:"timeout,omitempty"`
	CommandTimeout     Duration `toml:"command_timeout,omitempty"`
}

// Auth holds SMTP credentials. The password is read from the environment
// variable named by PasswordEnv unless Password is set.
type Auth struct {
	Mechanism   string `toml:"mechanism,omitempty"` // default PLAIN
	Username    string `toml:"username,omitempty"`
	Password    string `toml:"password,omitempty"`
	PasswordEnv string `toml:"password_env,omitempty"`
}

// Service holds the submission service settings.
type Service struct {
	EncodingConcurrency int      `toml:"encoding_concurrency,omitempty"`
	QueueSize           int      `toml:"queue_size,omitempty"`
	IdleTimeout         Duration `toml:"idle_timeout,omitempty"`
	ConnectTimeout      Duration `toml:"connect_timeout,omitempty"`
	SendTimeout         Duration `toml:"send_timeout,omitempty"`
	ConnectAttempts     int      `toml:"connect_attempts,omitempty"`
	RetryDelay          Duration `toml:"retry_delay,omitempty"`
}

// Render holds what mails are rendered with.
type Render struct {
	Domain    string `toml:"domain,omitempty"`
	Resources string `toml:"resources,omitempty"` // directory attachments are read from
}

// SES selects Amazon SES as the transport.
type SES struct {
	Region           string `toml:"region,omitempty"`
	ConfigurationSet string `toml:"configuration_set,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load reads and parses the config file name from fsys.
func Load(fsys fs.FS, name string) (*Config, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", name, err)
	}
	return Parse(data)
}

// Parse decodes and validates TOML config data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undec[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for structural correctness.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", "smtp":
		if c.Server.Address == "" {
			return fmt.Errorf("config: server.address is required")
		}
		if _, err := smtpclient.ParseSecurity(c.Server.Security); err != nil {
			return fmt.Errorf("config: server.security: %w", err)
		}
		if c.Auth.Username != "" {
			if _, err := smtpclient.NewAuth(c.Auth.mechanism(), c.Auth.Username, ""); err != nil {
				return fmt.Errorf("config: auth.mechanism: %w", err)
			}
		}
	case "ses":
		if c.SES.Region == "" {
			return fmt.Errorf("config: ses.region is required")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Service.EncodingConcurrency < 0 || c.Service.QueueSize < 0 || c.Service.ConnectAttempts < 0 {
		return fmt.Errorf("config: service sizes must not be negative")
	}
	return nil
}

func (a Auth) mechanism() string {
	if a.Mechanism == "" {
		return "PLAIN"
	}
	return a.Mechanism
}

// password resolves the password through getenv.
func (a Auth) password(getenv func(string) string) (string, error) {
	if a.Password != "" {
		return a.Password, nil
	}
	if a.PasswordEnv == "" {
		return "", fmt.Errorf("config: auth.password_env is required with auth.username")
	}
	p := getenv(a.PasswordEnv)
	if p == "" {
		return "", fmt.Errorf("config: environment variable %s is empty", a.PasswordEnv)
	}
	return p, nil
}

// Connector builds the connector for the configured transport, retrying
// connects when service.connect_attempts is above one.
func (c *Config) Connector(ctx context.Context, getenv func(string) string, logger *slog.Logger) (mailsubmit.Connector, error) {
	var conn mailsubmit.Connector
	switch c.Transport {
	case "ses":
		sc, err := sesclient.NewDefaultConnector(ctx, c.SES.Region,
			sesclient.WithConfigurationSet(c.SES.ConfigurationSet),
			sesclient.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		conn = sc
	default:
		opts, err := c.smtpOptions(getenv, logger)
		if err != nil {
			return nil, err
		}
		conn = smtpclient.NewConnector(c.Server.Address, opts...)
	}
	if c.Service.ConnectAttempts > 1 {
		delay := time.Duration(c.Service.RetryDelay)
		if delay <= 0 {
			delay = time.Second
		}
		conn = submission.RetryConnector(conn, c.Service.ConnectAttempts, delay)
	}
	return conn, nil
}

func (c *Config) smtpOptions(getenv func(string) string, logger *slog.Logger) ([]smtpclient.Option, error) {
	sec, err := smtpclient.ParseSecurity(c.Server.Security)
	if err != nil {
		return nil, err
	}
	opts := []smtpclient.Option{
		smtpclient.WithSecurity(sec),
		smtpclient.WithLogger(logger),
	}
	if c.Server.LocalName != "" {
		opts = append(opts, smtpclient.WithLocalName(c.Server.LocalName))
	}
	if c.Server.Timeout > 0 {
		opts = append(opts, smtpclient.WithTimeout(time.Duration(c.Server.Timeout)))
	}
	if c.Server.CommandTimeout > 0 {
		opts = append(opts, smtpclient.WithCommandTimeout(time.Duration(c.Server.CommandTimeout)))
	}
	if c.Server.TLSServerName != "" || c.Server.InsecureSkipVerify {
		opts = append(opts, smtpclient.WithTLSConfig(&tls.Config{
			ServerName:         c.Server.TLSServerName,
			InsecureSkipVerify: c.Server.InsecureSkipVerify,
		}))
	}
	if c.Auth.Username != "" {
		pass, err := c.Auth.password(getenv)
		if err != nil {
			return nil, err
		}
		a, err := smtpclient.NewAuth(c.Auth.mechanism(), c.Auth.Username, pass)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		opts = append(opts, smtpclient.WithAuth(a))
	}
	return opts, nil
}

// RenderContext returns the render context for mails. A relative resources
// directory is taken relative to baseDir.
func (c *Config) RenderContext(baseDir string) *mailsubmit.RenderContext {
	rc := &mailsubmit.RenderContext{Domain: c.Render.Domain}
	dir := c.Render.Resources
	if dir == "" {
		dir = "."
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	rc.Resources = os.DirFS(dir)
	return rc
}

// Setup returns the service setup around connector.
func (c *Config) Setup(connector mailsubmit.Connector, rc *mailsubmit.RenderContext) submission.Setup {
	return submission.Setup{
		Connector:           connector,
		Context:             func() *mailsubmit.RenderContext { return rc },
		EncodingConcurrency: c.Service.EncodingConcurrency,
		EnqueueBufferSize:   c.Service.QueueSize,
	}
}

// Options returns the service options. The timeouts also apply to batch
// sends.
func (c *Config) Options(logger *slog.Logger) []submission.Option {
	return []submission.Option{
		submission.WithLogger(logger),
		submission.WithIdleTimeout(time.Duration(c.Service.IdleTimeout)),
		submission.WithConnectTimeout(time.Duration(c.Service.ConnectTimeout)),
		submission.WithSendTimeout(time.Duration(c.Service.SendTimeout)),
	}
}
