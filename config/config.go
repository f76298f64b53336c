// Package config loads and validates the tideflow pipeline configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/tideflow/core"
)

// Config is the top-level configuration document.
type Config struct {
	Runtime RuntimeConfig           `yaml:"runtime"`
	Sources map[string]SourceConfig `yaml:"sources"`
	Sinks   map[string]SinkConfig   `yaml:"sinks"`
	Plugins map[string]PluginConfig `yaml:"plugins"`
	DAG     []EdgeConfig            `yaml:"dag"`
}

// RuntimeConfig tunes the worker pool and engine shared by all plugins.
type RuntimeConfig struct {
	PluginsPath string `yaml:"plugins_path"`

	// BatchSize is the per-worker batch threshold in KiB.
	BatchSize int `yaml:"batch_size"`

	// BatchAge is the per-worker batch age threshold in milliseconds.
	BatchAge int `yaml:"batch_age"`

	Workers int `yaml:"workers"`

	// QueueCapacity bounds each sink-manager shard channel.
	QueueCapacity int `yaml:"queue_capacity"`

	// SinkShards is the number of sink-manager shards.
	SinkShards int `yaml:"sink_shards"`

	Cache CacheConfig `yaml:"cache"`

	// DisableRemoteCalls blocks outbound plugin HTTP, for tests and benches.
	DisableRemoteCalls bool `yaml:"disable_remote_calls"`

	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// CacheConfig configures the plugin key-value cache.
type CacheConfig struct {
	Path          string `yaml:"path"`
	DefaultTTLMS  int64  `yaml:"default_ttl_ms"`
	MaxTTLMS      int64  `yaml:"max_ttl_ms"`
	LockTimeoutMS int64  `yaml:"lock_timeout_ms"`
}

// ShutdownConfig bounds the drain phases.
type ShutdownConfig struct {
	SourceTimeoutSec int `yaml:"source_timeout"`
	WorkerTimeoutSec int `yaml:"worker_timeout"`
	SinkTimeoutSec   int `yaml:"sink_timeout"`
}

// Decoding selects how a source normalizes incoming bytes to NDJSON.
type Decoding struct {
	Format      string `yaml:"format"`      // auto|ndjson|json|json-array|text|msgpack
	Compression string `yaml:"compression"` // auto|none|gzip|zstd
}

// SourceConfig is a tagged union over the supported source types.
type SourceConfig struct {
	Type     string
	Decoding Decoding

	Socket        *SocketSource
	TCP           *TCPSource
	File          *FileSource
	SQS           *SQSSource
	MSK           *MSKSource
	GithubWebhook *GithubWebhookSource
	NPMRegistry   *NPMRegistrySource
}

// SocketSource reads newline-framed records from a unix socket.
type SocketSource struct {
	SocketPath string `yaml:"socket_path"`
}

// TCPSource reads newline-framed records from TCP connections.
type TCPSource struct {
	BindAddress    string `yaml:"bind_address"`
	ReadBufferSize int    `yaml:"read_buffer_size"`
}

// FileSource reads one file to completion and forwards its records.
type FileSource struct {
	Path string `yaml:"path"`
}

// SQSSource long-polls a queue, expanding S3 event notifications inline.
type SQSSource struct {
	QueueURL            string `yaml:"queue_url"`
	MaxNumberOfMessages int32  `yaml:"max_number_of_messages"`
	WaitTimeSeconds     int32  `yaml:"wait_time_seconds"`
}

// MSKSource consumes from a Kafka/MSK consumer group.
type MSKSource struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
	TLS     bool     `yaml:"tls"`
}

// GithubWebhookSource accepts workflow-log webhooks over HTTP. Token
// authenticates the Actions log downloads on workflow_run completions.
type GithubWebhookSource struct {
	BindAddress string `yaml:"bind_address"`
	Path        string `yaml:"path"`
	Secret      string `yaml:"secret"`
	Token       string `yaml:"token"`
}

// NPMRegistrySource polls package documents and emits new-version events.
type NPMRegistrySource struct {
	Packages        []string `yaml:"packages"`
	RegistryURL     string   `yaml:"registry_url"`
	PollIntervalSec int      `yaml:"poll_interval"`
}

// UnmarshalYAML decodes the tagged source form.
func (s *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type     string   `yaml:"type"`
		Decoding Decoding `yaml:"decoding"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	s.Type = head.Type
	s.Decoding = head.Decoding

	switch head.Type {
	case "socket":
		s.Socket = &SocketSource{}
		return value.Decode(s.Socket)
	case "tcp":
		s.TCP = &TCPSource{}
		return value.Decode(s.TCP)
	case "file":
		s.File = &FileSource{}
		return value.Decode(s.File)
	case "sqs":
		s.SQS = &SQSSource{}
		return value.Decode(s.SQS)
	case "msk":
		s.MSK = &MSKSource{}
		return value.Decode(s.MSK)
	case "github_webhook":
		s.GithubWebhook = &GithubWebhookSource{}
		return value.Decode(s.GithubWebhook)
	case "npm_registry":
		s.NPMRegistry = &NPMRegistrySource{}
		return value.Decode(s.NPMRegistry)
	case "":
		return fmt.Errorf("source missing type")
	default:
		return fmt.Errorf("unknown source type %q", head.Type)
	}
}

// SinkConfig is a tagged union over the supported sink types plus the
// options every sink shares.
type SinkConfig struct {
	Type string

	Encoding    EncodingConfig
	Compression CompressionConfig

	// ObjectMaxBytes caps a staging segment; sizing is advisory, a single
	// oversized payload may overshoot it.
	ObjectMaxBytes int

	// InFlightLimit bounds this sink's concurrent uploads. The sink
	// manager's global cap is the sum over all sinks.
	InFlightLimit int

	// Default marks the sink plugin outputs fall back to when they name no
	// destination. At most one sink may set it.
	Default bool

	S3        *S3Sink
	File      *FileSinkConfig
	Blackhole *BlackholeSink
}

// S3Sink writes objects through the durable staging store.
type S3Sink struct {
	BucketName string `yaml:"bucket_name"`
	Region     string `yaml:"region"`

	// WALPath is the staging directory for this sink's segments.
	WALPath string `yaml:"wal_path"`

	// MaxFileAgeSec bounds how long a partial segment may stay open.
	MaxFileAgeSec int `yaml:"max_file_age_seconds"`
}

// FileSinkConfig appends payloads to one local file.
type FileSinkConfig struct {
	Path string `yaml:"path"`
}

// BlackholeSink counts and discards.
type BlackholeSink struct{}

// EncodingConfig is the YAML form of core.Encoding.
type EncodingConfig struct {
	Type   string `yaml:"type"`
	Schema string `yaml:"schema"`
}

// CompressionConfig is the YAML form of core.Compression.
type CompressionConfig struct {
	Type  string `yaml:"type"`
	Level int    `yaml:"level"`
}

// UnmarshalYAML decodes the tagged sink form.
func (s *SinkConfig) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type           string            `yaml:"type"`
		Encoding       EncodingConfig    `yaml:"encoding"`
		Compression    CompressionConfig `yaml:"compression"`
		ObjectMaxBytes int               `yaml:"object_max_bytes"`
		InFlightLimit  int               `yaml:"in_flight_limit"`
		Default        bool              `yaml:"default"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	s.Type = head.Type
	s.Encoding = head.Encoding
	s.Compression = head.Compression
	s.ObjectMaxBytes = head.ObjectMaxBytes
	s.InFlightLimit = head.InFlightLimit
	s.Default = head.Default

	switch head.Type {
	case "s3":
		s.S3 = &S3Sink{}
		return value.Decode(s.S3)
	case "file":
		s.File = &FileSinkConfig{}
		return value.Decode(s.File)
	case "blackhole":
		s.Blackhole = &BlackholeSink{}
		return nil
	case "":
		return fmt.Errorf("sink missing type")
	default:
		return fmt.Errorf("unknown sink type %q", head.Type)
	}
}

// PluginConfig describes one user transform module.
type PluginConfig struct {
	ModuleType string         `yaml:"module_type"`
	Path       string         `yaml:"path"`
	Config     map[string]any `yaml:"config"`
	Tests      []PluginTest   `yaml:"tests"`
}

// PluginTest is one input/expected pair runnable via `tideflow test`.
type PluginTest struct {
	Input    string `yaml:"input"`
	Expected string `yaml:"expected"`
}

// EdgeConfig is the YAML form of one DAG edge.
type EdgeConfig struct {
	From NodeRefConfig   `yaml:"from"`
	To   []NodeRefConfig `yaml:"to"`
}

// NodeRefConfig is the YAML form of core.NodeRef.
type NodeRefConfig struct {
	Kind      string `yaml:"kind"`
	Name      string `yaml:"name"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NodeRef converts to the core representation.
func (n NodeRefConfig) NodeRef() core.NodeRef {
	return core.NodeRef{Kind: core.NodeKind(n.Kind), Name: n.Name, KeyPrefix: n.KeyPrefix}
}

// Load reads, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	r := &c.Runtime
	if r.PluginsPath == "" {
		r.PluginsPath = "plugins/"
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 256
	}
	if r.BatchAge <= 0 {
		r.BatchAge = 5
	}
	if r.Workers <= 0 {
		r.Workers = runtime.NumCPU()
	}
	if r.QueueCapacity <= 0 {
		r.QueueCapacity = 1024
	}
	if r.SinkShards <= 0 {
		r.SinkShards = 4
	}
	if r.Cache.Path == "" {
		r.Cache.Path = "cache.sqlite"
	}
	if r.Cache.DefaultTTLMS <= 0 {
		r.Cache.DefaultTTLMS = 10 * 60 * 1000
	}
	if r.Cache.MaxTTLMS <= 0 {
		r.Cache.MaxTTLMS = 60 * 60 * 1000
	}
	if r.Cache.LockTimeoutMS <= 0 {
		r.Cache.LockTimeoutMS = 30_000
	}
	if r.Shutdown.SourceTimeoutSec <= 0 {
		r.Shutdown.SourceTimeoutSec = 30
	}
	if r.Shutdown.WorkerTimeoutSec <= 0 {
		r.Shutdown.WorkerTimeoutSec = 120
	}
	if r.Shutdown.SinkTimeoutSec <= 0 {
		r.Shutdown.SinkTimeoutSec = 120
	}

	for name, s := range c.Sinks {
		if s.Encoding.Type == "" {
			s.Encoding.Type = string(core.EncodingNDJSON)
		}
		if s.Compression.Type == "" {
			s.Compression.Type = string(core.CompressionZstd)
		}
		if s.Compression.Level == 0 {
			switch core.CompressionType(s.Compression.Type) {
			case core.CompressionGzip:
				s.Compression.Level = core.DefaultGzipLevel
			case core.CompressionZstd:
				s.Compression.Level = core.DefaultZstdLevel
			}
		}
		if s.ObjectMaxBytes <= 0 {
			s.ObjectMaxBytes = 128 * 1024 * 1024
		}
		if s.InFlightLimit <= 0 {
			s.InFlightLimit = 16
		}
		if s.S3 != nil {
			if s.S3.WALPath == "" {
				s.S3.WALPath = "wal/"
			}
			if s.S3.MaxFileAgeSec <= 0 {
				s.S3.MaxFileAgeSec = 60
			}
		}
		c.Sinks[name] = s
	}

	for name, src := range c.Sources {
		if src.Decoding.Format == "" {
			src.Decoding.Format = "auto"
		}
		if src.Decoding.Compression == "" {
			src.Decoding.Compression = "auto"
		}
		if src.SQS != nil {
			if src.SQS.MaxNumberOfMessages <= 0 {
				src.SQS.MaxNumberOfMessages = 10
			}
			if src.SQS.WaitTimeSeconds <= 0 {
				src.SQS.WaitTimeSeconds = 20
			}
		}
		if src.TCP != nil && src.TCP.ReadBufferSize < 8*1024 {
			src.TCP.ReadBufferSize = 8 * 1024
		}
		if src.NPMRegistry != nil {
			if src.NPMRegistry.RegistryURL == "" {
				src.NPMRegistry.RegistryURL = "https://registry.npmjs.org"
			}
			if src.NPMRegistry.PollIntervalSec <= 0 {
				src.NPMRegistry.PollIntervalSec = 60
			}
		}
		c.Sources[name] = src
	}
}

// BatchMaxSize returns the worker batch threshold in bytes.
func (c *Config) BatchMaxSize() int { return c.Runtime.BatchSize << 10 }

// BatchMaxAge returns the worker batch age threshold.
func (c *Config) BatchMaxAge() time.Duration {
	return time.Duration(c.Runtime.BatchAge) * time.Millisecond
}

// DefaultSink returns the name of the sink marked default, or "".
func (c *Config) DefaultSink() string {
	for name, s := range c.Sinks {
		if s.Default {
			return name
		}
	}
	return ""
}

// SinkEncoding converts a sink's encoding config to the core type.
func (s SinkConfig) SinkEncoding() core.Encoding {
	return core.Encoding{Type: core.EncodingType(s.Encoding.Type), Schema: s.Encoding.Schema}
}

// SinkCompression converts a sink's compression config to the core type.
func (s SinkConfig) SinkCompression() core.Compression {
	return core.Compression{Type: core.CompressionType(s.Compression.Type), Level: s.Compression.Level}
}
