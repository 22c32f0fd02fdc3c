// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/flyingrobots/cognitive-event-bus/internal/cognitive"
	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// TracingConfig mirrors obs.TracingConfig so viper can unmarshal it
// without internal/config importing internal/obs.
type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// ObservabilityConfig bundles the logging, metrics, and tracing knobs
// shared across the bus core and cognitive layer.
type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// SchemaConfig points at the directory of JSON Schema documents the
// internal/schema provider loads at startup.
type SchemaConfig struct {
	Dir    string `mapstructure:"dir"`
	Strict bool   `mapstructure:"strict"`
}

// Config is the full process configuration: the bus's own persistence and
// dispatch knobs, every cognitive-layer component's configuration
// surface, and the ambient observability and schema concerns.
type Config struct {
	Persistence      events.PersistenceConfig     `mapstructure:"persistence"`
	Dispatcher       events.DispatcherConfig      `mapstructure:"dispatcher"`
	CognitiveRouting cognitive.DispatcherConfig   `mapstructure:"cognitive_routing"`
	Backpressure     cognitive.BackpressureConfig `mapstructure:"backpressure"`
	DLQ              cognitive.DLQConfig          `mapstructure:"dlq"`
	ConsumerGroup    cognitive.GroupConfig        `mapstructure:"consumer_group"`
	Schema           SchemaConfig                 `mapstructure:"schema"`
	Observability    ObservabilityConfig          `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Persistence:      events.DefaultPersistenceConfig("./data/events"),
		Dispatcher:       events.DefaultDispatcherConfig(),
		CognitiveRouting: cognitive.DefaultDispatcherConfig(),
		Backpressure:     cognitive.DefaultBackpressureConfig(),
		DLQ:              cognitive.DefaultDLQConfig(),
		ConsumerGroup:    cognitive.DefaultGroupConfig(),
		Schema: SchemaConfig{
			Dir:    "./schemas",
			Strict: false,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file (if present) and env
// overrides, falling back to defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("persistence.base_path", def.Persistence.BasePath)
	v.SetDefault("persistence.wal_dir", def.Persistence.WalDir)
	v.SetDefault("persistence.dlq_dir", def.Persistence.DlqDir)
	v.SetDefault("persistence.offsets_dir", def.Persistence.OffsetsDir)
	v.SetDefault("persistence.max_file_size_mb", def.Persistence.MaxFileSizeMB)
	v.SetDefault("persistence.max_lines_per_file", def.Persistence.MaxLinesPerFile)
	v.SetDefault("persistence.max_segments_per_topic", def.Persistence.MaxSegmentsPerTopic)
	v.SetDefault("persistence.buffer_size", def.Persistence.BufferSize)
	v.SetDefault("persistence.fsync_enabled", def.Persistence.FsyncEnabled)
	v.SetDefault("persistence.async_writes", def.Persistence.AsyncWrites)
	v.SetDefault("persistence.write_batch_size", def.Persistence.WriteBatchSize)
	v.SetDefault("persistence.retention_days", def.Persistence.RetentionDays)
	v.SetDefault("persistence.cleanup_enabled", def.Persistence.CleanupEnabled)
	v.SetDefault("persistence.redaction_enabled", def.Persistence.RedactionEnabled)
	v.SetDefault("persistence.space_scoped_paths", def.Persistence.SpaceScopedPaths)

	v.SetDefault("dispatcher.max_concurrent_handlers", def.Dispatcher.MaxConcurrentHandlers)
	v.SetDefault("dispatcher.handler_timeout_seconds", def.Dispatcher.HandlerTimeoutSeconds)

	v.SetDefault("cognitive_routing.default_routing_strategy", string(def.CognitiveRouting.DefaultRoutingStrategy))
	v.SetDefault("cognitive_routing.session_affinity_timeout", def.CognitiveRouting.SessionAffinityTimeout)
	v.SetDefault("cognitive_routing.heartbeat_timeout", def.CognitiveRouting.HeartbeatTimeout)
	v.SetDefault("cognitive_routing.max_routing_attempts", def.CognitiveRouting.MaxRoutingAttempts)

	v.SetDefault("backpressure.queue.warning", def.Backpressure.Queue.Warning)
	v.SetDefault("backpressure.queue.critical", def.Backpressure.Queue.Critical)
	v.SetDefault("backpressure.queue.emergency", def.Backpressure.Queue.Emergency)
	v.SetDefault("backpressure.latency_ms.warning", def.Backpressure.LatencyMs.Warning)
	v.SetDefault("backpressure.latency_ms.critical", def.Backpressure.LatencyMs.Critical)
	v.SetDefault("backpressure.latency_ms.emergency", def.Backpressure.LatencyMs.Emergency)
	v.SetDefault("backpressure.cognitive_load.warning", def.Backpressure.CognitiveLoad.Warning)
	v.SetDefault("backpressure.cognitive_load.critical", def.Backpressure.CognitiveLoad.Critical)
	v.SetDefault("backpressure.cognitive_load.emergency", def.Backpressure.CognitiveLoad.Emergency)
	v.SetDefault("backpressure.max_events_per_second", def.Backpressure.MaxEventsPerSecond)
	v.SetDefault("backpressure.burst_capacity", def.Backpressure.BurstCapacity)
	v.SetDefault("backpressure.adaptive_window_seconds", def.Backpressure.AdaptiveWindowSeconds)
	v.SetDefault("backpressure.trend_sensitivity", def.Backpressure.TrendSensitivity)
	v.SetDefault("backpressure.recovery_factor", def.Backpressure.RecoveryFactor)
	v.SetDefault("backpressure.failure_threshold", def.Backpressure.FailureThreshold)
	v.SetDefault("backpressure.recovery_timeout_seconds", def.Backpressure.RecoveryTimeoutSeconds)
	v.SetDefault("backpressure.half_open_test_requests", def.Backpressure.HalfOpenTestRequests)

	v.SetDefault("dlq.poison_detection_threshold", def.DLQ.PoisonDetectionThreshold)
	v.SetDefault("dlq.analytics_interval", def.DLQ.AnalyticsInterval)
	v.SetDefault("dlq.retry_check_interval", def.DLQ.RetryCheckInterval)
	v.SetDefault("dlq.persistence_path", def.DLQ.PersistencePath)
	v.SetDefault("dlq.poison_window", def.DLQ.PoisonWindow)

	v.SetDefault("consumer_group.min_consumers", def.ConsumerGroup.MinConsumers)
	v.SetDefault("consumer_group.max_consumers", def.ConsumerGroup.MaxConsumers)
	v.SetDefault("consumer_group.scale_up_queue_threshold", def.ConsumerGroup.ScaleUpQueueThreshold)
	v.SetDefault("consumer_group.scale_up_latency_threshold_ms", def.ConsumerGroup.ScaleUpLatencyThresholdMs)
	v.SetDefault("consumer_group.scale_down_queue_threshold", def.ConsumerGroup.ScaleDownQueueThreshold)
	v.SetDefault("consumer_group.scale_down_load_threshold", def.ConsumerGroup.ScaleDownLoadThreshold)
	v.SetDefault("consumer_group.cooldown_seconds", def.ConsumerGroup.CooldownSeconds)
	v.SetDefault("consumer_group.consumer_timeout_seconds", def.ConsumerGroup.ConsumerTimeoutSeconds)

	v.SetDefault("schema.dir", def.Schema.Dir)
	v.SetDefault("schema.strict", def.Schema.Strict)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := *def
	// DLQ retry policies are a map keyed by event type; seed the default
	// table before unmarshal so a config file can override individual
	// entries without having to restate the whole table.
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.DLQ.Policies) == 0 {
		cfg.DLQ.Policies = def.DLQ.Policies
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Dispatcher.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("dispatcher.max_concurrent_handlers must be >= 1")
	}
	if cfg.Dispatcher.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatcher.handler_timeout_seconds must be > 0")
	}
	if cfg.Persistence.MaxFileSizeMB <= 0 {
		return fmt.Errorf("persistence.max_file_size_mb must be > 0")
	}
	if cfg.Persistence.BasePath == "" {
		return fmt.Errorf("persistence.base_path must be set")
	}
	if cfg.ConsumerGroup.MinConsumers < 0 || cfg.ConsumerGroup.MaxConsumers < cfg.ConsumerGroup.MinConsumers {
		return fmt.Errorf("consumer_group.max_consumers must be >= min_consumers")
	}
	if cfg.Backpressure.FailureThreshold < 1 {
		return fmt.Errorf("backpressure.failure_threshold must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
