// Package config loads broker/writer configuration from YAML with
// environment variable overrides, following a singleton-with-defaults
// pattern.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for both the broker and writer
// processes. Both binaries load the same file; each only reads the
// sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Broker   BrokerConfig   `yaml:"broker"`
	Writer   WriterConfig   `yaml:"writer"`
	Redis    RedisConfig    `yaml:"redis"`
	Beamline BeamlineConfig `yaml:"beamline"`
}

type ServerConfig struct {
	RestPort        int    `yaml:"rest_port"`
	LogLevel        string `yaml:"log_level"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
	MetricsPort     int    `yaml:"metrics_port"`
}

// PathsConfig controls the on-disk layout root, spec.md §6.
type PathsConfig struct {
	DataRoot string `yaml:"data_root"` // default "/sf"
}

type BrokerConfig struct {
	ChannelsFile          string `yaml:"channels_file"`
	ChannelsLimit         int    `yaml:"channels_limit"`
	ChannelsLimitPicture  int    `yaml:"channels_limit_picture"`
	OutputPort            int    `yaml:"output_port"`
	QueueLength           int64  `yaml:"queue_length"`
	SendTimeoutMs         int    `yaml:"send_timeout_ms"`
	AuditFilename         string `yaml:"audit_filename"`
	AuditFileTimeFormat   string `yaml:"audit_file_time_format"`
	AuditTrailOnly        bool   `yaml:"audit_trail_only"`
	SeparateCameraChannels bool  `yaml:"separate_camera_channels"`
	EpicsWriterURL        string `yaml:"epics_writer_url"`
	DetectorRetrieveCmd   string `yaml:"detector_retrieve_cmd"`
	HTTPTimeoutSec        int    `yaml:"http_timeout_sec"`
}

type WriterConfig struct {
	DataAPIQueryAddress    string `yaml:"data_api_query_address"`
	DataRetrievalDelaySec  int    `yaml:"data_retrieval_delay_sec"`
	ReceiveTimeoutMs       int    `yaml:"receive_timeout_ms"`
	ErrorIfNoData          bool   `yaml:"error_if_no_data"`
	CompactLayout          bool   `yaml:"compact_layout"` // default when a write-request's parameters don't name output_file_format
	FacilityUTCOffsetHours int    `yaml:"facility_utc_offset_hours"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

// BeamlineConfig maps caller IP prefixes (first three octets) to a
// beamline name, spec.md §4.6 step 1.
type BeamlineConfig struct {
	IPPrefixMap map[string]string `yaml:"ip_prefix_map"`
}

// AllowedRateMultipliers is the closed set of valid `k` values, spec.md §3.
var AllowedRateMultipliers = []int{1, 2, 4, 8, 10, 20, 40, 50, 100}

func IsAllowedRateMultiplier(k int) bool {
	for _, v := range AllowedRateMultipliers {
		if v == k {
			return true
		}
	}
	return false
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton configuration, loading it from
// CONFIG_PATH (default "config.yaml") on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Paths.DataRoot = getEnv("SF_DATA_ROOT", c.Paths.DataRoot)

	c.Server.LogLevel = getEnv("SF_LOG_LEVEL", c.Server.LogLevel)
	if v := getEnvInt("SF_REST_PORT", 0); v > 0 {
		c.Server.RestPort = v
	}
	if v := getEnvInt("SF_METRICS_PORT", 0); v > 0 {
		c.Server.MetricsPort = v
	}

	c.Broker.ChannelsFile = getEnv("SF_CHANNELS_FILE", c.Broker.ChannelsFile)
	if v := getEnvInt("SF_OUTPUT_PORT", 0); v > 0 {
		c.Broker.OutputPort = v
	}
	if v := getEnvInt("SF_QUEUE_LENGTH", 0); v > 0 {
		c.Broker.QueueLength = int64(v)
	}
	c.Broker.AuditTrailOnly = getEnvBool("SF_AUDIT_TRAIL_ONLY", c.Broker.AuditTrailOnly)
	c.Broker.EpicsWriterURL = getEnv("SF_EPICS_WRITER_URL", c.Broker.EpicsWriterURL)

	c.Writer.DataAPIQueryAddress = getEnv("SF_DATA_API_ADDRESS", c.Writer.DataAPIQueryAddress)
	if v := getEnvInt("SF_DATA_RETRIEVAL_DELAY_SEC", -1); v >= 0 {
		c.Writer.DataRetrievalDelaySec = v
	}
	c.Writer.ErrorIfNoData = getEnvBool("SF_ERROR_IF_NO_DATA", c.Writer.ErrorIfNoData)

	c.Redis.Addr = getEnv("SF_REDIS_ADDR", c.Redis.Addr)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.RestPort == 0 {
		c.Server.RestPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "INFO"
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 15
	}
	if c.Paths.DataRoot == "" {
		c.Paths.DataRoot = "/sf"
	}
	if c.Broker.ChannelsLimit == 0 {
		c.Broker.ChannelsLimit = 2000
	}
	if c.Broker.ChannelsLimitPicture == 0 {
		c.Broker.ChannelsLimitPicture = 40
	}
	if c.Broker.OutputPort == 0 {
		c.Broker.OutputPort = 9999
	}
	if c.Broker.QueueLength == 0 {
		c.Broker.QueueLength = 100
	}
	if c.Broker.SendTimeoutMs == 0 {
		c.Broker.SendTimeoutMs = 3000
	}
	if c.Broker.AuditFilename == "" {
		c.Broker.AuditFilename = "audit.log"
	}
	if c.Broker.AuditFileTimeFormat == "" {
		c.Broker.AuditFileTimeFormat = "2006-01-02 15:04:05.000"
	}
	if c.Broker.HTTPTimeoutSec == 0 {
		c.Broker.HTTPTimeoutSec = 10
	}
	if c.Writer.DataAPIQueryAddress == "" {
		c.Writer.DataAPIQueryAddress = "http://localhost:8383/query"
	}
	if c.Writer.ReceiveTimeoutMs == 0 {
		c.Writer.ReceiveTimeoutMs = 2000
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "sf:writer:queue"
	}
	if len(c.Beamline.IPPrefixMap) == 0 {
		c.Beamline.IPPrefixMap = map[string]string{
			"129.129.242": "alvra",
			"129.129.243": "bernina",
			"129.129.246": "maloja",
		}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// BeamlineForIP resolves a beamline name from a caller's remote IP using
// the first three octets, spec.md §4.6 step 1.
func (c *Config) BeamlineForIP(remoteIP string) (string, bool) {
	prefix := ipPrefix(remoteIP)
	name, ok := c.Beamline.IPPrefixMap[prefix]
	return name, ok
}

func ipPrefix(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) < 3 {
		return ip
	}
	return strings.Join(parts[:3], ".")
}
