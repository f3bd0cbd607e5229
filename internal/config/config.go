package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/cudaipc/internal/cudaipc"
)

// SimConfig configures the simulated driver
type SimConfig struct {
	Dir        string
	Devices    int
	QueryDelay int
}

// RendezvousConfig configures the advertisement exchange
type RendezvousConfig struct {
	Addr string
	Name string
}

// DemoConfig configures the demo roles
type DemoConfig struct {
	Role         string
	Length       uint64
	ProgressRate int
	Timeout      time.Duration
}

// MetricsConfig configures OpenTelemetry export
type MetricsConfig struct {
	Enabled       bool
	CollectorAddr string
	InstanceID    string
}

// Config holds all configuration for the demo and the transport it drives
type Config struct {
	LogLevel   string
	Driver     string
	Sim        SimConfig
	MD         cudaipc.MDConfig
	Iface      cudaipc.IfaceConfig
	Rendezvous RendezvousConfig
	Demo       DemoConfig
	Metrics    MetricsConfig
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"driver":           "driver",
	"sim-dir":          "sim.dir",
	"sim-devices":      "sim.devices",
	"sim-query-delay":  "sim.query_delay",
	"max-poll":         "iface.max_poll",
	"strict-bounds":    "iface.strict_bounds",
	"rcache":           "md.rcache",
	"rendezvous-addr":  "rendezvous.addr",
	"rendezvous-name":  "rendezvous.name",
	"role":             "demo.role",
	"length":           "demo.length",
	"progress-rate":    "demo.progress_rate",
	"timeout":          "demo.timeout",
	"metrics-enabled":  "metrics.enabled",
	"collector-addr":   "metrics.collector_addr",
	"metrics-instance": "metrics.instance_id",
}

// SetupFlags sets up the command line flags
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "cudaipc.yaml", "Path where to write the default configuration")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("driver", "sim", "Device driver (sim, cuda)")
	flagSet.String("sim-dir", "", "Directory backing simulated device memory (default /dev/shm)")
	flagSet.Int("sim-devices", 1, "Number of simulated devices")
	flagSet.Int("sim-query-delay", 0, "Event queries reported not ready before simulated copies run")
	flagSet.Int("max-poll", 16, "Maximum completions taken from one queue per progress call")
	flagSet.Bool("strict-bounds", false, "Also bound-check remote addresses on the same-context path")
	flagSet.String("rcache", "try", "Registration cache (yes, no, try)")
	flagSet.String("rendezvous-addr", "localhost:50061", "Address of the rendezvous server")
	flagSet.String("rendezvous-name", "cudaipc-demo", "Name the buffer is advertised under")
	flagSet.String("role", "loopback", "Demo role (owner, peer, loopback)")
	flagSet.Uint64("length", 4096, "Bytes to transfer")
	flagSet.Int("progress-rate", 1000, "Progress calls per second")
	flagSet.Duration("timeout", 30*time.Second, "Time limit for the whole exchange")
	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("collector-addr", "localhost:4317", "OTLP collector address")
	flagSet.String("metrics-instance", "", "Service instance id (default hostname)")
}

func setDefaults(v *viper.Viper) {
	md := cudaipc.DefaultMDConfig()
	iface := cudaipc.DefaultIfaceConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("driver", "sim")
	v.SetDefault("sim.dir", "")
	v.SetDefault("sim.devices", 1)
	v.SetDefault("sim.query_delay", 0)
	v.SetDefault("iface.max_poll", iface.MaxPoll)
	v.SetDefault("iface.event_pool_chunk", iface.EventPoolChunk)
	v.SetDefault("iface.event_pool_max", iface.EventPoolMax)
	v.SetDefault("iface.strict_bounds", iface.StrictBounds)
	v.SetDefault("md.rcache", md.RCache.String())
	v.SetDefault("md.rcache_addr_align", md.RCacheAddrAlign)
	v.SetDefault("md.rcache_max_idle", md.RCacheMaxIdle)
	v.SetDefault("md.mem_reg_overhead", md.MemRegOverhead)
	v.SetDefault("md.mem_reg_growth", md.MemRegGrowth)
	v.SetDefault("rendezvous.addr", "localhost:50061")
	v.SetDefault("rendezvous.name", "cudaipc-demo")
	v.SetDefault("demo.role", "loopback")
	v.SetDefault("demo.length", 4096)
	v.SetDefault("demo.progress_rate", 1000)
	v.SetDefault("demo.timeout", 30*time.Second)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.collector_addr", "localhost:4317")
	v.SetDefault("metrics.instance_id", defaultInstanceID())
}

// LoadConfig loads the configuration from defaults, a config file, CUDAIPC_*
// environment variables and flags, in increasing order of precedence.
// flagSet may be nil.
func LoadConfig(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("CUDAIPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind command line flags
	var configPath string
	if flagSet != nil {
		for flag, key := range flagKeys {
			if f := flagSet.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
		configPath, _ = flagSet.GetString("config")
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		// Look for config in default locations
		v.SetConfigName("cudaipc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cudaipc")
		v.AddConfigPath("/etc/cudaipc")

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file is not found, but other errors should be handled
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	rcache, err := cudaipc.ParseTernary(v.GetString("md.rcache"))
	if err != nil {
		return nil, fmt.Errorf("invalid md.rcache: %w", err)
	}

	config := &Config{
		LogLevel: v.GetString("log_level"),
		Driver:   strings.ToLower(v.GetString("driver")),
		Sim: SimConfig{
			Dir:        v.GetString("sim.dir"),
			Devices:    v.GetInt("sim.devices"),
			QueryDelay: v.GetInt("sim.query_delay"),
		},
		MD: cudaipc.MDConfig{
			RCache:          rcache,
			RCacheAddrAlign: v.GetUint64("md.rcache_addr_align"),
			RCacheMaxIdle:   v.GetInt("md.rcache_max_idle"),
			MemRegOverhead:  v.GetDuration("md.mem_reg_overhead"),
			MemRegGrowth:    v.GetFloat64("md.mem_reg_growth"),
		},
		Iface: cudaipc.IfaceConfig{
			MaxPoll:        v.GetInt("iface.max_poll"),
			EventPoolChunk: v.GetInt("iface.event_pool_chunk"),
			EventPoolMax:   v.GetInt("iface.event_pool_max"),
			StrictBounds:   v.GetBool("iface.strict_bounds"),
		},
		Rendezvous: RendezvousConfig{
			Addr: v.GetString("rendezvous.addr"),
			Name: v.GetString("rendezvous.name"),
		},
		Demo: DemoConfig{
			Role:         strings.ToLower(v.GetString("demo.role")),
			Length:       v.GetUint64("demo.length"),
			ProgressRate: v.GetInt("demo.progress_rate"),
			Timeout:      v.GetDuration("demo.timeout"),
		},
		Metrics: MetricsConfig{
			Enabled:       v.GetBool("metrics.enabled"),
			CollectorAddr: v.GetString("metrics.collector_addr"),
			InstanceID:    v.GetString("metrics.instance_id"),
		},
	}
	if config.Metrics.InstanceID == "" {
		config.Metrics.InstanceID = defaultInstanceID()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail deep inside the transport
func (c *Config) Validate() error {
	switch c.Driver {
	case "sim", "cuda":
	default:
		return fmt.Errorf("unknown driver %q (expected sim or cuda)", c.Driver)
	}
	switch c.Demo.Role {
	case "owner", "peer", "loopback":
	default:
		return fmt.Errorf("unknown demo role %q (expected owner, peer or loopback)", c.Demo.Role)
	}
	if c.Sim.Devices <= 0 {
		return fmt.Errorf("sim.devices must be positive, got %d", c.Sim.Devices)
	}
	if c.Iface.MaxPoll <= 0 {
		return fmt.Errorf("iface.max_poll must be positive, got %d", c.Iface.MaxPoll)
	}
	if c.Iface.EventPoolChunk <= 0 || c.Iface.EventPoolMax < c.Iface.EventPoolChunk {
		return fmt.Errorf("invalid event pool sizes: chunk %d, max %d", c.Iface.EventPoolChunk, c.Iface.EventPoolMax)
	}
	if c.Demo.Length == 0 || c.Demo.Length > cudaipc.MaxAllocSize {
		return fmt.Errorf("demo.length must be in (0, %d], got %d", cudaipc.MaxAllocSize, c.Demo.Length)
	}
	if c.Demo.ProgressRate <= 0 {
		return fmt.Errorf("demo.progress_rate must be positive, got %d", c.Demo.ProgressRate)
	}
	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(path string) error {
	// Default config content
	configContent := `# cudaipc Configuration
log_level: "info" # trace, debug, info, warn, error
driver: "sim" # sim, cuda

sim:
  dir: "" # empty selects /dev/shm
  devices: 1
  query_delay: 0

iface:
  max_poll: 16
  event_pool_chunk: 128
  event_pool_max: 1024
  strict_bounds: false

md:
  rcache: "try" # yes, no, try
  rcache_addr_align: 4096
  rcache_max_idle: 128
  mem_reg_overhead: "16us"
  mem_reg_growth: 0.06 # nanoseconds per byte

rendezvous:
  addr: "localhost:50061"
  name: "cudaipc-demo"

demo:
  role: "loopback" # owner, peer, loopback
  length: 4096
  progress_rate: 1000 # progress calls per second
  timeout: "30s"

metrics:
  enabled: false
  collector_addr: "localhost:4317"
  instance_id: "" # Leave empty to use hostname
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// defaultInstanceID names this process in exported metrics
func defaultInstanceID() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return fmt.Sprintf("cudaipc-%d", os.Getpid())
}
