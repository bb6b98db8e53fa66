package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath is checked for a config file path when --config is not given
const EnvConfigPath = "DICOMGW_CONFIG"

// Config is the full gateway configuration tree
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	DICOM      DICOMConfig      `yaml:"dicom"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Workers    WorkersConfig    `yaml:"workers"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	PoolMinConns    int           `yaml:"pool_min_conns"`
	PoolMaxConns    int           `yaml:"pool_max_conns"`
	PoolMaxIdleTime time.Duration `yaml:"pool_max_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check_interval"`
}

// DICOMConfig holds SCP association settings
type DICOMConfig struct {
	AETitle            string        `yaml:"ae_title"`
	ListenAddr         string        `yaml:"listen_addr"`
	Port               int           `yaml:"port"`
	MaxPDULength       int           `yaml:"max_pdu_length"`
	AssociationTimeout time.Duration `yaml:"association_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	TLS                TLSConfig     `yaml:"tls"`

	// EngineAddr is the loopback address the embedded DIMSE engine listens
	// on. The public listener terminates TLS, screens associations, and
	// relays accepted ones here.
	EngineAddr string `yaml:"engine_addr"`
	// AllowedCallingAEs restricts which calling AE titles may associate.
	// Empty allows all.
	AllowedCallingAEs []string `yaml:"allowed_calling_ae_titles"`
}

// TLSConfig holds listener TLS material. Enabled requires cert and key;
// ClientCAFile turns on client-certificate verification.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// StorageConfig holds the on-disk storage tree settings
type StorageConfig struct {
	Root string `yaml:"root"`
}

// QueueConfig holds durable job queue tunables
type QueueConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// ForwardingConfig selects the study completion policy
type ForwardingConfig struct {
	// Eager enqueues a trigger_forward per received instance
	Eager bool `yaml:"eager"`
	// QuietPeriod delays the trigger so late instances of the same study
	// ride the same forward job
	QuietPeriod time.Duration `yaml:"quiet_period"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WorkersConfig holds per-process worker settings
type WorkersConfig struct {
	GracePeriod        time.Duration `yaml:"grace_period"`
	EventBatchSize     int           `yaml:"event_batch_size"`
	EventBatchInterval time.Duration `yaml:"event_batch_interval"`
}

// AutoscalerConfig holds scaling thresholds and bounds per worker type
type AutoscalerConfig struct {
	CheckInterval       time.Duration          `yaml:"check_interval"`
	ScaleUpPending      int                    `yaml:"scale_up_pending"`
	ScaleUpProcessing   int                    `yaml:"scale_up_processing"`
	ScaleDownPending    int                    `yaml:"scale_down_pending"`
	ScaleDownProcessing int                    `yaml:"scale_down_processing"`
	ScaleUpCooldown     time.Duration          `yaml:"scale_up_cooldown"`
	ScaleDownCooldown   time.Duration          `yaml:"scale_down_cooldown"`
	Workers             map[string]WorkerBound `yaml:"workers"`
}

// WorkerBound limits instance counts for one worker type
type WorkerBound struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig holds the Prometheus exposition settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config populated with production defaults
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:             "postgres://dicomgw@localhost:5432/dicomgw",
			PoolMinConns:    4,
			PoolMaxConns:    32,
			PoolMaxIdleTime: time.Hour,
			HealthCheck:     30 * time.Second,
		},
		DICOM: DICOMConfig{
			AETitle:            "GATEWAY",
			ListenAddr:         "0.0.0.0",
			Port:               104,
			MaxPDULength:       16384,
			AssociationTimeout: 30 * time.Second,
			ConnectTimeout:     30 * time.Second,
			EngineAddr:         "127.0.0.1:11113",
		},
		Storage: StorageConfig{
			Root: "/var/lib/dicom-gw/storage",
		},
		Queue: QueueConfig{
			PollInterval:   5 * time.Second,
			BatchSize:      5,
			MaxAttempts:    3,
			SweepInterval:  5 * time.Minute,
			StaleThreshold: 30 * time.Minute,
		},
		Forwarding: ForwardingConfig{
			Eager:       false,
			QuietPeriod: 60 * time.Second,
			MaxAttempts: 3,
		},
		Workers: WorkersConfig{
			GracePeriod:        30 * time.Second,
			EventBatchSize:     100,
			EventBatchInterval: 5 * time.Second,
		},
		Autoscaler: AutoscalerConfig{
			CheckInterval:       30 * time.Second,
			ScaleUpPending:      50,
			ScaleUpProcessing:   10,
			ScaleDownPending:    5,
			ScaleDownProcessing: 2,
			ScaleUpCooldown:     60 * time.Second,
			ScaleDownCooldown:   300 * time.Second,
			Workers: map[string]WorkerBound{
				"catalog":   {Min: 1, Max: 8},
				"forwarder": {Min: 1, Max: 4},
			},
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path falls
// back to the DICOMGW_CONFIG environment variable; if that is also unset,
// defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that SQL constraints and DICOM negotiation
// would otherwise reject at runtime
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMaxConns < 1 {
		return fmt.Errorf("invalid database pool bounds [%d, %d]", c.Database.PoolMinConns, c.Database.PoolMaxConns)
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		return fmt.Errorf("database.pool_min_conns %d exceeds pool_max_conns %d", c.Database.PoolMinConns, c.Database.PoolMaxConns)
	}
	if c.DICOM.AETitle == "" || len(c.DICOM.AETitle) > 16 {
		return fmt.Errorf("dicom.ae_title must be 1-16 characters, got %q", c.DICOM.AETitle)
	}
	if c.DICOM.Port <= 0 || c.DICOM.Port >= 65536 {
		return fmt.Errorf("dicom.port must be in (0, 65536), got %d", c.DICOM.Port)
	}
	if c.DICOM.MaxPDULength < 4096 {
		return fmt.Errorf("dicom.max_pdu_length must be at least 4096, got %d", c.DICOM.MaxPDULength)
	}
	if c.DICOM.TLS.Enabled && (c.DICOM.TLS.CertFile == "" || c.DICOM.TLS.KeyFile == "") {
		return fmt.Errorf("dicom.tls requires cert_file and key_file when enabled")
	}
	if c.DICOM.EngineAddr == "" {
		return fmt.Errorf("dicom.engine_addr is required")
	}
	for _, ae := range c.DICOM.AllowedCallingAEs {
		if ae == "" || len(ae) > 16 {
			return fmt.Errorf("dicom.allowed_calling_ae_titles entries must be 1-16 characters, got %q", ae)
		}
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Forwarding.MaxAttempts < 1 {
		return fmt.Errorf("forwarding.max_attempts must be positive, got %d", c.Forwarding.MaxAttempts)
	}
	for name, bound := range c.Autoscaler.Workers {
		if bound.Min < 0 || bound.Max < bound.Min {
			return fmt.Errorf("autoscaler.workers.%s has invalid bounds [%d, %d]", name, bound.Min, bound.Max)
		}
	}
	return nil
}

// SCPAddr returns the listen address for the SCP
func (c *Config) SCPAddr() string {
	return fmt.Sprintf("%s:%d", c.DICOM.ListenAddr, c.DICOM.Port)
}
