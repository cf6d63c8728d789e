package config

import "time"

type Config struct {
	Relay           RelayConfig           `yaml:"relay"`
	Transport       TransportConfig       `yaml:"transport"`
	DNS             DNSConfig             `yaml:"dns"`
	SourceAddresses SourceAddressesConfig `yaml:"source_addresses"`
	Database        DatabaseConfig        `yaml:"database"`
	Redis           RedisConfig           `yaml:"redis"`
	DKIM            DKIMConfig            `yaml:"dkim"`
	HTTP            HTTPConfig            `yaml:"http"`
	Spool           SpoolConfig           `yaml:"spool"`
	Queue           QueueConfig           `yaml:"queue"`
	Logging         LoggingConfig         `yaml:"logging"`
}

type RelayConfig struct {
	Hostname       string        `yaml:"hostname"`
	IPv6Enabled    bool          `yaml:"ipv6_enabled"`
	MaxRetries     int           `yaml:"max_retries"`
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Lease          time.Duration `yaml:"lease"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type TransportConfig struct {
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	StartTLS       bool          `yaml:"starttls"`
}

type DNSConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SourceAddressesConfig lists the local addresses outgoing connections bind to.
// Empty lists let the kernel pick. With Shared set the rotation position is
// kept in Redis so all relay processes walk the same sequence.
type SourceAddressesConfig struct {
	IPv4   []string `yaml:"ipv4"`
	IPv6   []string `yaml:"ipv6"`
	Shared bool     `yaml:"shared"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DKIMConfig struct {
	Domain     string `yaml:"domain"`
	Selector   string `yaml:"selector"`
	KeyPath    string `yaml:"key_path"`
	PrivateKey string `yaml:"-"` // only from the environment
}

// Enabled reports whether any DKIM setting was provided.
func (d DKIMConfig) Enabled() bool {
	return d.Selector != "" || d.KeyPath != "" || d.PrivateKey != "" || d.Domain != ""
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type SpoolConfig struct {
	Dir            string `yaml:"dir"`
	MaxMessageSize int    `yaml:"max_message_size"`
}

type QueueConfig struct {
	BufferSize   int `yaml:"buffer_size"`
	MaxConsumers int `yaml:"max_consumers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Hostname:       "localhost",
			IPv6Enabled:    false,
			MaxRetries:     10,
			BatchSize:      100,
			PollInterval:   5 * time.Second,
			Lease:          10 * time.Minute,
			RetryBaseDelay: time.Minute,
			RetryMaxDelay:  4 * time.Hour,
		},
		Transport: TransportConfig{
			Port:           25,
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 5 * time.Minute, // RFC 5321 4.5.3.2 allows longer for DATA, this caps the whole attempt
			StartTLS:       true,
		},
		DNS: DNSConfig{
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          "postgres://golubrelay@localhost/golubrelay?sslmode=disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			KeyPrefix: "golubrelay",
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8025",
		},
		Spool: SpoolConfig{
			Dir:            "/var/spool/golubrelay",
			MaxMessageSize: 25 * 1024 * 1024, // 25MB
		},
		Queue: QueueConfig{
			BufferSize:   1000,
			MaxConsumers: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
