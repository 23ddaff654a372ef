package config

import "time"

// Default values for configuration.
const (
	// Source defaults
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultRequestsPerSecond   = 2.0
	DefaultMessagesPerFetch    = 95
	DefaultRateLimitWait       = 300 * time.Second
	DefaultSessionFile         = "tg.session"
	DefaultClientStrategy      = "round_robin"

	// Upload defaults
	DefaultMaxAttachmentSize = ByteSize(25_000_000)
	DefaultRefererScheme     = "archiver"
	DefaultRateLimitFallback = 60 * time.Second
	DefaultTargetStrategy    = "round_robin"

	// Queue defaults
	DefaultWriterQueueSize     = 1024
	DefaultAttachmentQueueSize = 256

	// Storage defaults
	DefaultDBPath = "archive.db"

	// Status server defaults
	DefaultRunTTL          = 24 * time.Hour
	DefaultShutdownTimeout = 15 * time.Second

	// Logging defaults
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultProgressInterval = 30 * time.Second
)

// defaultConfig возвращает конфигурацию, заполненную значениями по умолчанию.
func defaultConfig() *Config {
	return &Config{
		Source: Source{
			HealthCheckInterval: DefaultHealthCheckInterval,
			RequestsPerSecond:   DefaultRequestsPerSecond,
			MessagesPerFetch:    DefaultMessagesPerFetch,
			RateLimitWait:       DefaultRateLimitWait,
			ClientStrategy:      DefaultClientStrategy,
		},
		Upload: Upload{
			MaxAttachmentSize: DefaultMaxAttachmentSize,
			RefererScheme:     DefaultRefererScheme,
			RateLimitFallback: DefaultRateLimitFallback,
			TargetStrategy:    DefaultTargetStrategy,
		},
		Queues: Queues{
			WriterSize:     DefaultWriterQueueSize,
			AttachmentSize: DefaultAttachmentQueueSize,
		},
		Storage: Storage{Path: DefaultDBPath},
		Status: Status{
			RunTTL:          DefaultRunTTL,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Logging: Logging{
			Level:            DefaultLogLevel,
			Format:           DefaultLogFormat,
			ProgressInterval: DefaultProgressInterval,
		},
	}
}
