package arstotzka

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/tracker"
	"github.com/MapColonies/arstotzka/mediator"
)

const (
	// RoleRegistry serves the service registry and rotation endpoints.
	RoleRegistry = "registry"
	// RoleLocky serves the lock and reservation endpoints.
	RoleLocky = "locky"
	// RoleActiony serves the action endpoints.
	RoleActiony = "actiony"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultReserveLockExpiration is the lifetime of locks taken by access reservations.
	DefaultReserveLockExpiration = core.DefaultReserveLockExpiration
	// DefaultRotationLockExpiration is the lifetime of the lock held while rotating a subtree.
	DefaultRotationLockExpiration = core.DefaultRotationLockExpiration
	// DefaultSweeperInterval sets how often expired lock rows are purged.
	DefaultSweeperInterval = time.Minute
	// DefaultMediatorTimeout bounds each call to a remote capability.
	DefaultMediatorTimeout = mediator.DefaultTimeout
	// DefaultMediatorRetries is how many times a failed remote call is retried.
	DefaultMediatorRetries = 2
	// DefaultMediatorRetryDelay is the pause before the first mediator retry.
	DefaultMediatorRetryDelay = mediator.DefaultRetryDelay
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// DefaultRoles lists every role; a single process serves all of them unless
// told otherwise.
func DefaultRoles() []string {
	return []string{RoleRegistry, RoleLocky, RoleActiony}
}

// Config captures the tunables for an arstotzka server.
type Config struct {
	Listen      string
	ListenProto string
	Store       string

	// Roles selects the capabilities served locally. Capabilities that are
	// not served locally are reached through the mediator at the matching
	// remote URL.
	Roles       []string
	RegistryURL string
	LockyURL    string
	ActionyURL  string

	MediatorTimeout           time.Duration
	MediatorRetries           int
	MediatorRetryDelay        time.Duration
	MediatorRetryExponential  bool
	MediatorRetryResetTimeout bool
	ReserveLockExpiration     time.Duration
	RotationLockExpiration    time.Duration
	SweeperInterval           time.Duration
	JSONMaxBytes              int64
	ShutdownTimeout           time.Duration
	ExternalActions           []string
	ExternalActionsFile       string
	StorageRetryMaxAttempts   int
	StorageRetryBaseDelay     time.Duration
	StorageRetryMaxDelay      time.Duration
	StorageRetryMultiplier    float64
	PostgresMaxOpenConns      int
	PostgresMaxIdleConns      int
	PostgresConnMaxLifetime   time.Duration
	PostgresSkipSchema        bool
	MetricsListen             string
	PprofListen               string
	EnableProfilingMetrics    bool
	OTLPEndpoint              string
}

// HasRole reports whether role is served locally.
func (c Config) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// RemoteURL returns the configured base URL for role.
func (c Config) RemoteURL(role string) string {
	switch role {
	case RoleRegistry:
		return c.RegistryURL
	case RoleLocky:
		return c.LockyURL
	case RoleActiony:
		return c.ActionyURL
	}
	return ""
}

// MediatorConfig builds the mediator configuration for the remote roles.
func (c Config) MediatorConfig() mediator.Config {
	cfg := mediator.Config{
		RegistryURL: c.RegistryURL,
		LockyURL:    c.LockyURL,
		ActionyURL:  c.ActionyURL,
		Timeout:     c.MediatorTimeout,
	}
	if c.MediatorRetries > 0 {
		cfg.Retry = &mediator.RetryStrategy{
			Retries:      c.MediatorRetries,
			Delay:        c.MediatorRetryDelay,
			Exponential:  c.MediatorRetryExponential,
			ResetTimeout: c.MediatorRetryResetTimeout,
		}
	}
	return cfg
}

// Validate applies defaults and checks the configuration for mistakes.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	roles, err := normalizeRoles(c.Roles)
	if err != nil {
		return err
	}
	c.Roles = roles
	for _, role := range DefaultRoles() {
		if c.HasRole(role) {
			continue
		}
		if strings.TrimSpace(c.RemoteURL(role)) == "" {
			return fmt.Errorf("config: role %s is not served locally and %s-url is empty", role, role)
		}
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ReserveLockExpiration < 0 || c.RotationLockExpiration < 0 {
		return fmt.Errorf("config: lock expirations must be >= 0")
	}
	if c.ReserveLockExpiration == 0 {
		c.ReserveLockExpiration = DefaultReserveLockExpiration
	}
	if c.RotationLockExpiration == 0 {
		c.RotationLockExpiration = DefaultRotationLockExpiration
	}
	if c.SweeperInterval < 0 {
		return fmt.Errorf("config: sweeper interval must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.MediatorTimeout <= 0 {
		c.MediatorTimeout = DefaultMediatorTimeout
	}
	if c.MediatorRetries < 0 {
		return fmt.Errorf("config: mediator retries must be >= 0")
	}
	if c.MediatorRetryDelay <= 0 {
		c.MediatorRetryDelay = DefaultMediatorRetryDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if _, err := tracker.ParseAssignments(c.ExternalActions); err != nil {
		return fmt.Errorf("config: external actions: %w", err)
	}
	if path := strings.TrimSpace(c.ExternalActionsFile); path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config: external actions file: %w", err)
		}
	}
	return nil
}

func normalizeRoles(in []string) ([]string, error) {
	if len(in) == 0 {
		return DefaultRoles(), nil
	}
	var out []string
	for _, raw := range in {
		for part := range strings.SplitSeq(raw, ",") {
			role := strings.ToLower(strings.TrimSpace(part))
			if role == "" {
				continue
			}
			if role == "all" {
				return DefaultRoles(), nil
			}
			if !slices.Contains(DefaultRoles(), role) {
				return nil, fmt.Errorf("config: unknown role %q (options: %s)", role, strings.Join(DefaultRoles(), ", "))
			}
			if !slices.Contains(out, role) {
				out = append(out, role)
			}
		}
	}
	if len(out) == 0 {
		return DefaultRoles(), nil
	}
	return out, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.arstotzka).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ARSTOTZKA_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".arstotzka"), nil
}
