package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultFolder        = "INBOX"
	defaultSourceTimeout = 120 * time.Second
	defaultRelayTimeout  = 30 * time.Second
	defaultPollInterval  = time.Hour
	defaultMaxAttempts   = 3
	defaultRetryBackoff  = 2 * time.Second
	defaultMessageDelay  = 3 * time.Second
	defaultChunkSize     = "512KiB"
	defaultStatePath     = "state.json"

	imapImplicitTLSPort = 993
	smtpImplicitTLSPort = 465
)

type Config struct {
	Source         SourceConfig  `yaml:"source"`          // Mailbox the unseen messages are drained from.
	Relay          RelayConfig   `yaml:"relay"`           // Outbound transport and fixed destination address.
	StatePath      string        `yaml:"state_path"`      // Watermark state file, "state.json" by default.
	PollInterval   time.Duration `yaml:"poll_interval"`   // Interval between polling cycles.
	CycleTimeout   time.Duration `yaml:"cycle_timeout"`   // Upper bound for one whole cycle. Zero disables it.
	MaxAttempts    int           `yaml:"max_attempts"`    // Attempts per message before it is skipped for good.
	RetryBackoff   time.Duration `yaml:"retry_backoff"`   // Pause between attempts on the same message.
	MessageDelay   time.Duration `yaml:"message_delay"`   // Pause between messages, bounds the outbound rate.
	FetchChunkSize string        `yaml:"fetch_chunk_size"` // Partial fetch size, human form ("512KiB").
	LogLevel       int           `yaml:"log_level"`       // slog level value (0: info, -4: debug, ...).

	chunkSizeBytes int64
}

type SourceConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Login    string        `yaml:"login"`
	Password string        `yaml:"password"`
	Folder   string        `yaml:"folder"`
	TLS      bool          `yaml:"tls"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RelayConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Login    string        `yaml:"login"`
	Password string        `yaml:"password"`
	To       string        `yaml:"to"`
	TLS      bool          `yaml:"tls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Address returns the host:port dial address of the source server.
func (c SourceConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UseTLS reports whether the source connection must use implicit TLS.
// Either the explicit flag or the conventional implicit-TLS port turns
// it on; anything else goes through STARTTLS.
func (c SourceConfig) UseTLS() bool {
	return c.TLS || c.Port == imapImplicitTLSPort
}

// UseTLS reports whether the relay connection must use implicit TLS,
// by the same flag-or-conventional-port rule as the source.
func (c RelayConfig) UseTLS() bool {
	return c.TLS || c.Port == smtpImplicitTLSPort
}

// ChunkSizeBytes is the parsed FetchChunkSize.
func (c Config) ChunkSizeBytes() int64 { return c.chunkSizeBytes }

func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	var cfg Config

	if _, err := os.Stat(envFilepath); err == nil {
		if err = godotenv.Load(envFilepath); err != nil {
			return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
		}
	}

	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	envExpanded := os.ExpandEnv(string(fileBytes))
	if err = yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Folder == "" {
		c.Source.Folder = defaultFolder
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = defaultSourceTimeout
	}
	if c.Relay.Timeout <= 0 {
		c.Relay.Timeout = defaultRelayTimeout
	}
	if c.StatePath == "" {
		c.StatePath = defaultStatePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MessageDelay <= 0 {
		c.MessageDelay = defaultMessageDelay
	}
	if c.FetchChunkSize == "" {
		c.FetchChunkSize = defaultChunkSize
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.Source.Host == "" {
		errs = append(errs, errors.New("source.host is required"))
	}
	if c.Source.Port <= 0 {
		errs = append(errs, errors.New("source.port is required"))
	}
	if c.Source.Login == "" {
		errs = append(errs, errors.New("source.login is required"))
	}
	if c.Source.Password == "" {
		errs = append(errs, errors.New("source.password is required"))
	}
	if c.Relay.Host == "" {
		errs = append(errs, errors.New("relay.host is required"))
	}
	if c.Relay.Port <= 0 {
		errs = append(errs, errors.New("relay.port is required"))
	}
	if c.Relay.Login == "" {
		errs = append(errs, errors.New("relay.login is required"))
	}
	if c.Relay.Password == "" {
		errs = append(errs, errors.New("relay.password is required"))
	}
	if c.Relay.To == "" {
		errs = append(errs, errors.New("relay.to is required"))
	}

	size, err := units.RAMInBytes(c.FetchChunkSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch_chunk_size %q: %w", c.FetchChunkSize, err))
	} else if size <= 0 {
		errs = append(errs, fmt.Errorf("fetch_chunk_size must be positive, got %q", c.FetchChunkSize))
	} else {
		c.chunkSizeBytes = size
	}

	return errors.Join(errs...)
}
