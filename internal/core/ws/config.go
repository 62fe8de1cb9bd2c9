package ws

import (
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
)

// Config carries every tunable of the connection core. Zero values are not
// meaningful; start from DefaultConfig and override.
type Config struct {
	// BackendURL is the base URL of the backend (http, https, ws or wss
	// scheme). Endpoint derives the per-service socket URLs from it.
	BackendURL string `json:"backend_url"`

	// ConnectTimeout bounds how long Connect waits for the socket to open.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// MessageTimeout bounds how long a response-correlated send waits.
	MessageTimeout time.Duration `json:"message_timeout"`

	// EnableQueueing routes non-critical sends through the message queue.
	EnableQueueing bool `json:"enable_queueing"`
	// AutoRecovery enables the single recovery-guided retry on failed sends.
	AutoRecovery bool `json:"auto_recovery"`

	LogLevel log.Level `json:"log_level"`

	Reconnect ReconnectConfig `json:"reconnect"`
	Queue     QueueConfig     `json:"queue"`
	Health    HealthConfig    `json:"health"`
}

// ReconnectConfig shapes the exponential backoff applied after abnormal
// closes: delay(n) = min(BaseDelay * 2^n, MaxDelay) + jitter(0..MaxJitter).
type ReconnectConfig struct {
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	MaxJitter     time.Duration `json:"max_jitter"`
	MaxAttempts   int           `json:"max_attempts"`
	AutoReconnect bool          `json:"auto_reconnect"`
}

// QueueConfig shapes outbound batching.
type QueueConfig struct {
	// MaxSize is the queue depth that forces an immediate flush.
	MaxSize int `json:"max_size"`
	// MaxWait is the longest a queued message waits before a timed flush.
	MaxWait time.Duration `json:"max_wait"`
	// MaxRetries is the default per-message retry budget.
	MaxRetries int `json:"max_retries"`
}

// HealthConfig shapes monitoring cadence and retention.
type HealthConfig struct {
	PingInterval       time.Duration `json:"ping_interval"`
	StaleSweepInterval time.Duration `json:"stale_sweep_interval"`
	StaleThreshold     time.Duration `json:"stale_threshold"`
	ScoreInterval      time.Duration `json:"score_interval"`
	LatencyWindow      int           `json:"latency_window"`
	HistoryLimit       int           `json:"history_limit"`
	ErrorHistoryLimit  int           `json:"error_history_limit"`
	UptimeReference    time.Duration `json:"uptime_reference"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BackendURL:     "http://localhost:8000",
		ConnectTimeout: 10 * time.Second,
		MessageTimeout: 10 * time.Second,
		EnableQueueing: true,
		AutoRecovery:   true,
		LogLevel:       log.LevelInfo,
		Reconnect: ReconnectConfig{
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			MaxJitter:     time.Second,
			MaxAttempts:   5,
			AutoReconnect: true,
		},
		Queue: QueueConfig{
			MaxSize:    10,
			MaxWait:    100 * time.Millisecond,
			MaxRetries: 3,
		},
		Health: HealthConfig{
			PingInterval:       30 * time.Second,
			StaleSweepInterval: 5 * time.Minute,
			StaleThreshold:     5 * time.Minute,
			ScoreInterval:      5 * time.Second,
			LatencyWindow:      100,
			HistoryLimit:       1000,
			ErrorHistoryLimit:  100,
			UptimeReference:    24 * time.Hour,
		},
	}
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if _, err := c.wsBase(); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 || c.MessageTimeout <= 0 {
		return errors.New("connect and message timeouts must be positive")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.New("reconnect delays must be positive and max >= base")
	}
	if c.Reconnect.MaxAttempts < 0 || c.Reconnect.MaxJitter < 0 {
		return errors.New("reconnect attempts and jitter must be non-negative")
	}
	if c.Queue.MaxSize <= 0 || c.Queue.MaxWait <= 0 || c.Queue.MaxRetries < 0 {
		return errors.New("queue max size and max wait must be positive")
	}
	h := c.Health
	if h.PingInterval <= 0 || h.StaleSweepInterval <= 0 || h.StaleThreshold <= 0 || h.ScoreInterval <= 0 {
		return errors.New("health intervals must be positive")
	}
	if h.LatencyWindow <= 0 || h.HistoryLimit <= 0 || h.ErrorHistoryLimit <= 0 || h.UptimeReference <= 0 {
		return errors.New("health retention limits must be positive")
	}
	return nil
}

// wsBase resolves the socket scheme and host from the backend URL:
// wss behind TLS, ws otherwise.
func (c Config) wsBase() (*url.URL, error) {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidBackendURL, "parse %q: %v", c.BackendURL, err)
	}
	if u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidBackendURL, "missing host in %q", c.BackendURL)
	}
	base := &url.URL{Host: u.Host, Path: strings.TrimRight(u.Path, "/")}
	switch u.Scheme {
	case "https", "wss":
		base.Scheme = "wss"
	case "http", "ws":
		base.Scheme = "ws"
	default:
		return nil, errors.Wrapf(ErrInvalidBackendURL, "unsupported scheme %q", u.Scheme)
	}
	return base, nil
}

// Endpoint builds the socket URL for a service type: {wsBase}/ws for main,
// {wsBase}/ws/chat for chat, {wsBase}/ws/terminal/{id} for terminal.
func (c Config) Endpoint(st ServiceType, terminalID string) (string, error) {
	base, err := c.wsBase()
	if err != nil {
		return "", err
	}
	switch st {
	case ServiceMain:
		return base.String() + "/ws", nil
	case ServiceChat:
		return base.String() + "/ws/chat", nil
	case ServiceTerminal:
		if terminalID == "" {
			return "", ErrTerminalIDRequired
		}
		// Escape the id outside the URL struct; String() would escape the
		// percent signs a second time.
		return base.String() + "/ws/terminal/" + url.PathEscape(terminalID), nil
	default:
		return "", errors.Wrapf(ErrInvalidServiceType, "%q", st)
	}
}

// rawConfig is the file-facing shape: durations are human-readable strings
// ("30s", "100ms"), optional scalars are pointers so absent keys keep the
// defaults they override.
type rawConfig struct {
	BackendURL     string        `yaml:"backend_url" json:"backend_url"`
	ConnectTimeout string        `yaml:"connect_timeout" json:"connect_timeout"`
	MessageTimeout string        `yaml:"message_timeout" json:"message_timeout"`
	EnableQueueing *bool         `yaml:"enable_queueing" json:"enable_queueing"`
	AutoRecovery   *bool         `yaml:"auto_recovery" json:"auto_recovery"`
	LogLevel       string        `yaml:"log_level" json:"log_level"`
	Reconnect      *rawReconnect `yaml:"reconnect" json:"reconnect"`
	Queue          *rawQueue     `yaml:"queue" json:"queue"`
	Health         *rawHealth    `yaml:"health" json:"health"`
}

type rawReconnect struct {
	BaseDelay     string `yaml:"base_delay" json:"base_delay"`
	MaxDelay      string `yaml:"max_delay" json:"max_delay"`
	MaxJitter     string `yaml:"max_jitter" json:"max_jitter"`
	MaxAttempts   *int   `yaml:"max_attempts" json:"max_attempts"`
	AutoReconnect *bool  `yaml:"auto_reconnect" json:"auto_reconnect"`
}

type rawQueue struct {
	MaxSize    *int   `yaml:"max_size" json:"max_size"`
	MaxWait    string `yaml:"max_wait" json:"max_wait"`
	MaxRetries *int   `yaml:"max_retries" json:"max_retries"`
}

type rawHealth struct {
	PingInterval       string `yaml:"ping_interval" json:"ping_interval"`
	StaleSweepInterval string `yaml:"stale_sweep_interval" json:"stale_sweep_interval"`
	StaleThreshold     string `yaml:"stale_threshold" json:"stale_threshold"`
	ScoreInterval      string `yaml:"score_interval" json:"score_interval"`
	LatencyWindow      *int   `yaml:"latency_window" json:"latency_window"`
	HistoryLimit       *int   `yaml:"history_limit" json:"history_limit"`
	ErrorHistoryLimit  *int   `yaml:"error_history_limit" json:"error_history_limit"`
	UptimeReference    string `yaml:"uptime_reference" json:"uptime_reference"`
}

// LoadYAML decodes overrides on top of DefaultConfig and validates the
// result. An empty document keeps the defaults.
func LoadYAML(r io.Reader) (Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}
	return fromRaw(raw)
}

// LoadJSON is the JSON twin of LoadYAML, accepting the same field names and
// duration strings.
func LoadJSON(r io.Reader) (Config, error) {
	var raw rawConfig
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "decode json config")
	}
	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (Config, error) {
	c := DefaultConfig()
	if raw.BackendURL != "" {
		c.BackendURL = raw.BackendURL
	}
	if err := setDuration(&c.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&c.MessageTimeout, raw.MessageTimeout, "message_timeout"); err != nil {
		return Config{}, err
	}
	if raw.EnableQueueing != nil {
		c.EnableQueueing = *raw.EnableQueueing
	}
	if raw.AutoRecovery != nil {
		c.AutoRecovery = *raw.AutoRecovery
	}
	if raw.LogLevel != "" {
		lvl, err := log.ParseLevel(raw.LogLevel)
		if err != nil {
			return Config{}, err
		}
		c.LogLevel = lvl
	}
	if r := raw.Reconnect; r != nil {
		for _, f := range []struct {
			dst  *time.Duration
			src  string
			name string
		}{
			{&c.Reconnect.BaseDelay, r.BaseDelay, "reconnect.base_delay"},
			{&c.Reconnect.MaxDelay, r.MaxDelay, "reconnect.max_delay"},
			{&c.Reconnect.MaxJitter, r.MaxJitter, "reconnect.max_jitter"},
		} {
			if err := setDuration(f.dst, f.src, f.name); err != nil {
				return Config{}, err
			}
		}
		if r.MaxAttempts != nil {
			c.Reconnect.MaxAttempts = *r.MaxAttempts
		}
		if r.AutoReconnect != nil {
			c.Reconnect.AutoReconnect = *r.AutoReconnect
		}
	}
	if q := raw.Queue; q != nil {
		if q.MaxSize != nil {
			c.Queue.MaxSize = *q.MaxSize
		}
		if err := setDuration(&c.Queue.MaxWait, q.MaxWait, "queue.max_wait"); err != nil {
			return Config{}, err
		}
		if q.MaxRetries != nil {
			c.Queue.MaxRetries = *q.MaxRetries
		}
	}
	if h := raw.Health; h != nil {
		for _, f := range []struct {
			dst  *time.Duration
			src  string
			name string
		}{
			{&c.Health.PingInterval, h.PingInterval, "health.ping_interval"},
			{&c.Health.StaleSweepInterval, h.StaleSweepInterval, "health.stale_sweep_interval"},
			{&c.Health.StaleThreshold, h.StaleThreshold, "health.stale_threshold"},
			{&c.Health.ScoreInterval, h.ScoreInterval, "health.score_interval"},
			{&c.Health.UptimeReference, h.UptimeReference, "health.uptime_reference"},
		} {
			if err := setDuration(f.dst, f.src, f.name); err != nil {
				return Config{}, err
			}
		}
		if h.LatencyWindow != nil {
			c.Health.LatencyWindow = *h.LatencyWindow
		}
		if h.HistoryLimit != nil {
			c.Health.HistoryLimit = *h.HistoryLimit
		}
		if h.ErrorHistoryLimit != nil {
			c.Health.ErrorHistoryLimit = *h.ErrorHistoryLimit
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDuration(dst *time.Duration, src, name string) error {
	if src == "" {
		return nil
	}
	d, err := time.ParseDuration(src)
	if err != nil {
		return errors.Wrapf(err, "parse %s", name)
	}
	*dst = d
	return nil
}
