package config

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// DefaultLocation is the path the CLI reads the configuration from when no
// --config flag is provided.
const DefaultLocation = "/etc/franchise/config.yml"

var (
	mu            sync.RWMutex
	_config       *Configuration
	_debugViaFlag bool
)

// Locker specific to writing the configuration to the disk, this happens
// in areas that might already be locked, so we don't want to crash the process.
var _writeLock sync.Mutex

// SystemConfiguration defines basic system configuration settings.
type SystemConfiguration struct {
	// The root directory where all of the engine data is stored at.
	RootDirectory string `default:"/var/lib/franchise" yaml:"root_directory"`

	// Directory where the engine log file is written.
	LogDirectory string `default:"/var/log/franchise" yaml:"log_directory"`

	// The timezone used when evaluating batch rule schedules. This is detected
	// automatically if possible and falls back to UTC if not.
	Timezone string `yaml:"timezone"`
}

// DatabaseConfiguration defines where installation records, rule sync state and
// the central store tables are persisted.
type DatabaseConfiguration struct {
	// Path to the SQLite database file. A value of ":memory:" keeps everything
	// in process memory, which is only useful for tests and demos.
	Path string `default:"/var/lib/franchise/franchise.db" yaml:"path"`

	// The number of times a transient write error against the central store is
	// retried before giving up.
	WriteRetries uint64 `default:"3" yaml:"write_retries"`
}

// CatalogConfiguration controls where module manifests are loaded from.
type CatalogConfiguration struct {
	// Directory containing one JSON manifest per module.
	ManifestDirectory string `default:"/etc/franchise/manifests" yaml:"manifest_directory"`
}

// IntegrationConfiguration controls the rule engine and its worker pool.
type IntegrationConfiguration struct {
	// Path to the YAML file that declares integration rules.
	RulesFile string `default:"/etc/franchise/rules.yml" yaml:"rules_file"`

	// Number of workers executing rule handlers concurrently.
	Workers int `default:"8" yaml:"workers"`

	// If true, events whose type has no registered payload schema are rejected
	// instead of being passed along as free-form maps.
	StrictPayloads bool `default:"false" yaml:"strict_payloads"`
}

// Thresholds configures the realtime health checks.
type Thresholds struct {
	// Fraction of failed handler invocations within one tick above which an
	// alert is raised.
	ErrorRate float64 `default:"0.2" yaml:"error_rate"`

	// Minimum number of handler invocations within one tick before the error
	// rate is considered meaningful.
	MinSamples int `default:"5" yaml:"min_samples"`

	// Fraction of cached integration results that are stale above which an
	// alert is raised.
	DriftScore float64 `default:"0.5" yaml:"drift_score"`

	// Cached results older than this many seconds count as stale.
	StaleAfter int `default:"900" yaml:"stale_after"`

	// Host memory usage percentage above which an alert is raised. Set to 0 to
	// disable the host memory check.
	MemoryPercent float64 `default:"90" yaml:"memory_percent"`
}

// SchedulerConfiguration controls the two background loops.
type SchedulerConfiguration struct {
	// Seconds between realtime loop ticks.
	RealtimeInterval int `default:"30" yaml:"realtime_interval"`

	// Seconds between batch loop checks against rule schedules.
	BatchCheckInterval int `default:"60" yaml:"batch_check_interval"`

	// Number of batch rules that may run at the same time within one tick.
	BatchConcurrency int `default:"4" yaml:"batch_concurrency"`

	// Maximum number of alert events emitted per minute by the realtime loop.
	AlertsPerMinute int `default:"30" yaml:"alerts_per_minute"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// CacheConfiguration controls the analytics/result cache.
type CacheConfiguration struct {
	// Either "memory" or "redis".
	Driver string `default:"memory" yaml:"driver"`

	// Seconds a cached result is kept before it expires.
	TTL int `default:"3600" yaml:"ttl"`

	// Seconds between sweeps of expired in-memory entries.
	CleanupInterval int `default:"600" yaml:"cleanup_interval"`

	Redis struct {
		Address  string `default:"127.0.0.1:6379" yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `default:"0" yaml:"db"`
		Prefix   string `default:"franchise:cache:" yaml:"prefix"`
	} `yaml:"redis"`
}

// MetricsConfiguration controls the Prometheus collector.
type MetricsConfiguration struct {
	Enabled bool `default:"true" yaml:"enabled"`

	// Namespace prefixed to every metric name.
	Namespace string `default:"franchise" yaml:"namespace"`

	// Address the metrics endpoint listens on when serving.
	Address string `default:"127.0.0.1:9464" yaml:"address"`
}

type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the engine should be running in debug mode. This value is
	// ignored if the debug flag is passed through the command line arguments.
	Debug bool

	AppName string `default:"Franchise" json:"app_name" yaml:"app_name"`

	System      SystemConfiguration      `yaml:"system"`
	Database    DatabaseConfiguration    `yaml:"database"`
	Catalog     CatalogConfiguration     `yaml:"catalog"`
	Integration IntegrationConfiguration `yaml:"integration"`
	Scheduler   SchedulerConfiguration   `yaml:"scheduler"`
	Cache       CacheConfiguration       `yaml:"cache"`
	Metrics     MetricsConfiguration     `yaml:"metrics"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options present
	// in the structs. Values set in the configuration file take priority over the
	// default values.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.path = path
	return &c, nil
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the configuration
// will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	defer mu.Unlock()
	_config = c
}

// SetDebugViaFlag tracks if the application is running in debug mode because of
// a command line flag argument. If so we do not want to store that configuration
// change to the disk.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	defer mu.Unlock()
	_config.Debug = d
	_debugViaFlag = d
}

// Get returns the global configuration instance. This is a thread-safe operation
// that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored configuration
// by modifying the struct returned by this function. The only way to make
// modifications is by using the Update() function and passing data through in
// the callback.
func Get() *Configuration {
	mu.RLock()
	//goland:noinspection GoVetCopyLock
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock. This is the correct way to make modifications to
// the global configuration.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	defer mu.Unlock()
	callback(_config)
}

// Path returns the file path where this configuration is stored.
func (c *Configuration) Path() string {
	return c.path
}

// Location returns the time zone batch schedules are evaluated in.
func (c *Configuration) Location() *time.Location {
	if c.System.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.System.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RealtimeIntervalDuration returns the realtime tick interval as a duration.
func (sc SchedulerConfiguration) RealtimeIntervalDuration() time.Duration {
	return seconds(sc.RealtimeInterval, 30)
}

// BatchCheckIntervalDuration returns the batch check interval as a duration.
func (sc SchedulerConfiguration) BatchCheckIntervalDuration() time.Duration {
	return seconds(sc.BatchCheckInterval, 60)
}

// TTLDuration returns the cache entry lifetime as a duration.
func (cc CacheConfiguration) TTLDuration() time.Duration {
	return seconds(cc.TTL, 3600)
}

// CleanupIntervalDuration returns the cache sweep interval as a duration.
func (cc CacheConfiguration) CleanupIntervalDuration() time.Duration {
	return seconds(cc.CleanupInterval, 600)
}

func seconds(v int, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// WriteToDisk writes the configuration to the disk. This is a thread safe operation
// and will only allow one write at a time. Additional calls while writing are
// queued up. Comments already present in the file are kept.
func WriteToDisk(c *Configuration) error {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	//goland:noinspection GoVetCopyLock
	ccopy := *c
	// If debugging is set with the flag, don't save that to the configuration file,
	// otherwise you'll always end up in debug mode.
	if _debugViaFlag {
		ccopy.Debug = false
	}
	if c.path == "" {
		return errors.New("cannot write configuration, no path defined in struct")
	}
	b, err := mergeInto(c.path, &ccopy)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(c.path, b, 0o600), "config: failed to write configuration file")
}

// FromFile reads the configuration from the provided file and stores it in the
// global singleton for this instance.
func FromFile(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	Set(c)
	return nil
}

// Load reads and parses the configuration at path without touching the global
// instance.
func Load(path string) (*Configuration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, b)
}

func parse(path string, b []byte) (*Configuration, error) {
	c, err := NewAtPath(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse configuration file")
	}
	if c.Cache.Redis.Password, err = Expand(c.Cache.Redis.Password); err != nil {
		return nil, err
	}
	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return nil, errors.Errorf("config: unknown cache driver %q", c.Cache.Driver)
	}
	return c, nil
}

// ConfigureDirectories ensures that the data and log directories exist on the
// system. These directories are created so that only the owner can read the data,
// and no other users.
func ConfigureDirectories(c *Configuration) error {
	for _, p := range []string{c.System.RootDirectory, c.System.LogDirectory} {
		if p == "" {
			continue
		}
		log.WithField("path", p).Debug("ensuring directory exists")
		if err := os.MkdirAll(p, 0o700); err != nil {
			return errors.Wrapf(err, "config: failed to create %s", p)
		}
	}
	return nil
}

// Expand expands an input string by calling [os.ExpandEnv] to expand all
// environment variables, then checks if the value is prefixed with `file://`
// to support reading the value from a file.
//
// NOTE: the order of expanding environment variables first then checking if
// the value references a file is important. This behaviour allows a user to
// pass a value like `file://${CREDENTIALS_DIRECTORY}/redis` to work with
// credentials loaded by systemd's `LoadCredential` option.
func Expand(v string) (string, error) {
	v = os.ExpandEnv(v)

	const filePrefix = "file://"
	if strings.HasPrefix(v, filePrefix) {
		p := v[len(filePrefix):]

		b, err := os.ReadFile(p)
		if err != nil {
			return "", errors.Wrapf(err, "config: failed to read %s", p)
		}
		v = string(bytes.TrimRight(bytes.TrimRight(b, "\r"), "\n"))
	}

	return v, nil
}
