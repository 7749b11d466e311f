package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional config file and the environment.
// Env var overrides use the HOSTBRIDGE_ prefix with underscores for dots,
// e.g. HOSTBRIDGE_TRANSPORT or HOSTBRIDGE_METRICS_PORT. A missing config
// file is not an error; env and defaults apply either way.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("transport", "channel")
	v.SetDefault("request_topic", DefaultRequestTopic)
	v.SetDefault("response_topic", DefaultResponseTopic)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("job_workers", DefaultJobWorkers)
	v.SetDefault("job_queue_size", DefaultJobQueueSize)
	v.SetDefault("sandbox_slots", DefaultSandboxSlots)
	v.SetDefault("handler_overwrite", OverwriteReject)
	v.SetDefault("trace_buffer_size", DefaultTraceBufferSize)
	v.SetDefault("trace_batch_size", DefaultTraceBatchSize)
	v.SetDefault("trace_flush_interval", DefaultTraceFlushInterval)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("HOSTBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if path != "" {
		_ = v.ReadInConfig()
	}

	c := Config{
		Transport:          v.GetString("transport"),
		RequestTopic:       v.GetString("request_topic"),
		ResponseTopic:      v.GetString("response_topic"),
		NATSURL:            v.GetString("nats_url"),
		HTTPServerAddress:  v.GetString("http_server_address"),
		HTTPPublisherURL:   v.GetString("http_publisher_url"),
		RequestTimeout:     v.GetDuration("request_timeout"),
		JobWorkers:         v.GetInt("job_workers"),
		JobQueueSize:       v.GetInt("job_queue_size"),
		SandboxSlots:       v.GetInt("sandbox_slots"),
		HandlerOverwrite:   v.GetString("handler_overwrite"),
		MetricsEnabled:     v.GetBool("metrics_enabled"),
		MetricsPort:        v.GetInt("metrics_port"),
		TraceBufferSize:    v.GetInt("trace_buffer_size"),
		TraceBatchSize:     v.GetInt("trace_batch_size"),
		TraceFlushInterval: v.GetDuration("trace_flush_interval"),
	}

	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}
