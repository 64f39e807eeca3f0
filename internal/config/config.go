package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/infra"
	"github.com/ocx/enforcer/internal/kernel"
	"github.com/ocx/enforcer/internal/policy"
	"github.com/ocx/enforcer/internal/statestore"
)

type Config struct {
	Policy    PolicyConfig           `yaml:"policy"`
	Store     statestore.Capacity    `yaml:"store"`
	Events    EventsConfig           `yaml:"events"`
	Kernel    KernelConfig           `yaml:"kernel"`
	Control   ControlConfig          `yaml:"control"`
	TriFactor escrow.TriFactorConfig `yaml:"tri_factor"`
	Sinks     SinksConfig            `yaml:"sinks"`
	Log       LogConfig              `yaml:"log"`
	SPIFFE    SPIFFEConfig           `yaml:"spiffe"`
}

// PolicyConfig thresholds are percentages; they are rescaled to
// trust_scale when the policy is built.
type PolicyConfig struct {
	FailMode            string `yaml:"fail_mode"`
	TrustScale          uint32 `yaml:"trust_scale"`
	DefaultTrust        uint32 `yaml:"default_trust"`
	TrustFloor          uint32 `yaml:"trust_floor"`
	HeuristicTrustBelow uint32 `yaml:"heuristic_trust_below"`
	HeuristicSizeAbove  uint32 `yaml:"heuristic_size_above"`
	Trace               bool   `yaml:"trace"`
}

type EventsConfig struct {
	Source       string              `yaml:"source"`
	Channels     events.ChannelSizes `yaml:"channels"`
	PollInterval time.Duration       `yaml:"poll_interval"`
}

type KernelConfig struct {
	ObjectPath string `yaml:"object_path"`
}

type ControlConfig struct {
	Addr        string        `yaml:"addr"`
	CatalogPath string        `yaml:"catalog_path"`
	TenantsPath string        `yaml:"tenants_path"`
	JITSweep    time.Duration `yaml:"jit_sweep"`
}

type SinksConfig struct {
	Log      bool               `yaml:"log"`
	PubSub   PubSubConfig       `yaml:"pubsub"`
	Redis    infra.RedisOptions `yaml:"redis"`
	SocketIO bool               `yaml:"socketio"`
	Archive  string             `yaml:"archive"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SPIFFEConfig struct {
	SocketPath  string `yaml:"socket_path"`
	TrustDomain string `yaml:"trust_domain"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := policy.Default()
	return &Config{
		Policy: PolicyConfig{
			FailMode:            "open",
			TrustScale:          policy.ScalePercent,
			DefaultTrust:        p.DefaultTrust,
			TrustFloor:          p.TrustFloor,
			HeuristicTrustBelow: p.HeuristicTrustBelow,
			HeuristicSizeAbove:  p.HeuristicSizeAbove,
		},
		Events: EventsConfig{
			Source:       "ocx-enforcer",
			PollInterval: events.DefaultPollInterval,
		},
		Kernel:    KernelConfig{ObjectPath: kernel.DefaultObjectPath},
		Control:   ControlConfig{Addr: ":8080", JITSweep: time.Second},
		TriFactor: escrow.DefaultTriFactorConfig(),
		Sinks:     SinksConfig{Log: true, PubSub: PubSubConfig{Topic: "ocx-enforcement"}},
		Log:       LogConfig{Level: "info", Format: "json"},
		SPIFFE:    SPIFFEConfig{TrustDomain: "ocx.example.com"},
	}
}

// LoadConfig reads path over the defaults, then applies OCX_* environment
// overrides (a .env file in the working directory is loaded first). An
// empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	u32 := func(key string, dst *uint32) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = uint32(n)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("OCX_FAIL_MODE", &c.Policy.FailMode)
	u32("OCX_TRUST_SCALE", &c.Policy.TrustScale)
	u32("OCX_TRUST_FLOOR", &c.Policy.TrustFloor)
	u32("OCX_DEFAULT_TRUST", &c.Policy.DefaultTrust)
	boolean("OCX_TRACE", &c.Policy.Trace)
	str("OCX_KERNEL_OBJECT", &c.Kernel.ObjectPath)
	str("OCX_CONTROL_ADDR", &c.Control.Addr)
	str("OCX_CATALOG_PATH", &c.Control.CatalogPath)
	str("OCX_TENANTS_PATH", &c.Control.TenantsPath)
	str("OCX_REDIS_ADDR", &c.Sinks.Redis.Addr)
	str("OCX_REDIS_PASSWORD", &c.Sinks.Redis.Password)
	str("GOOGLE_CLOUD_PROJECT", &c.Sinks.PubSub.ProjectID)
	str("OCX_PUBSUB_PROJECT", &c.Sinks.PubSub.ProjectID)
	str("OCX_PUBSUB_TOPIC", &c.Sinks.PubSub.Topic)
	boolean("OCX_SOCKETIO", &c.Sinks.SocketIO)
	str("OCX_ARCHIVE_PATH", &c.Sinks.Archive)
	str("OCX_LOG_LEVEL", &c.Log.Level)
	str("OCX_LOG_FORMAT", &c.Log.Format)
	str("OCX_SPIFFE_SOCKET", &c.SPIFFE.SocketPath)
	str("OCX_TRUST_DOMAIN", &c.SPIFFE.TrustDomain)
	return errors.Join(errs...)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Policy.FailMode {
	case "open", "closed":
	default:
		errs = append(errs, fmt.Errorf("policy.fail_mode must be open or closed, got %q", c.Policy.FailMode))
	}
	for name, v := range map[string]uint32{
		"default_trust":         c.Policy.DefaultTrust,
		"trust_floor":           c.Policy.TrustFloor,
		"heuristic_trust_below": c.Policy.HeuristicTrustBelow,
	} {
		if v > 100 {
			errs = append(errs, fmt.Errorf("policy.%s is a percentage, got %d", name, v))
		}
	}
	if c.Policy.DefaultTrust < c.Policy.TrustFloor {
		// Every untracked process would be denied.
		errs = append(errs, fmt.Errorf("policy.default_trust %d is below trust_floor %d", c.Policy.DefaultTrust, c.Policy.TrustFloor))
	}
	if c.TriFactor.ReviewBelowReversibility > 100 {
		errs = append(errs, fmt.Errorf("tri_factor.review_below_reversibility is a percentage, got %d", c.TriFactor.ReviewBelowReversibility))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := c.PolicyFor(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PolicyFor builds the immutable hook policy.
func (c *Config) PolicyFor() (policy.Policy, error) {
	p := policy.Policy{
		Scale:               policy.ScalePercent,
		DefaultTrust:        c.Policy.DefaultTrust,
		TrustFloor:          c.Policy.TrustFloor,
		HeuristicTrustBelow: c.Policy.HeuristicTrustBelow,
		HeuristicSizeAbove:  c.Policy.HeuristicSizeAbove,
		FailClosed:          c.Policy.FailMode == "closed",
		Trace:               c.Policy.Trace,
	}
	p = p.Rescale(c.Policy.TrustScale)
	return p, p.Validate()
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
