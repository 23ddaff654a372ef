// Package config предоставляет управление конфигурацией приложения
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ByteSize — размер в байтах, в YAML записывается как "25MB" или числом.
type ByteSize uint64

// UnmarshalYAML реализует yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("недопустимый размер %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

// String возвращает размер в человекочитаемом виде.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// TelegramAPIServer содержит конфигурацию одного аккаунта Telegram.
// SessionFile хранит учетные данные между запусками.
type TelegramAPIServer struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	PhoneNumber string `yaml:"phone_number"`
	SessionFile string `yaml:"session_file"`
}

// Source содержит конфигурацию источника сообщений.
type Source struct {
	Servers             []TelegramAPIServer `yaml:"servers"`
	HealthCheckInterval time.Duration       `yaml:"health_check_interval"`
	RequestsPerSecond   float64             `yaml:"requests_per_second"`
	MessagesPerFetch    int                 `yaml:"messages_per_fetch"`
	RateLimitWait       time.Duration       `yaml:"rate_limit_wait"`
	ClientStrategy      string              `yaml:"client_strategy"` // round_robin, random
}

// Upload содержит конфигурацию повторного размещения вложений.
type Upload struct {
	Webhooks          []string      `yaml:"webhooks"`
	MaxAttachmentSize ByteSize      `yaml:"max_attachment_size"`
	PoolSize          int           `yaml:"pool_size"` // 0 - по числу CPU
	RefererScheme     string        `yaml:"referer_scheme"`
	ClientID          string        `yaml:"client_id"` // пусто - случайный UUID
	RateLimitFallback time.Duration `yaml:"rate_limit_fallback"`
	TargetStrategy    string        `yaml:"target_strategy"` // round_robin, random
}

// Queues содержит емкости очередей конвейера.
type Queues struct {
	WriterSize     int `yaml:"writer_size"`
	AttachmentSize int `yaml:"attachment_size"`
}

// Storage содержит конфигурацию хранилища.
type Storage struct {
	Path string `yaml:"path"`
}

// Status содержит конфигурацию HTTP-сервера состояния.
type Status struct {
	Address         string        `yaml:"address"` // пусто - сервер выключен
	RunTTL          time.Duration `yaml:"run_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Logging содержит конфигурацию логирования
type Logging struct {
	Level            string        `yaml:"level"`  // debug, info, warn, error
	Format           string        `yaml:"format"` // text, json
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Config содержит конфигурацию приложения
type Config struct {
	Channels []string `yaml:"channels"`
	Source   Source   `yaml:"source"`
	Upload   Upload   `yaml:"upload"`
	Queues   Queues   `yaml:"queues"`
	Storage  Storage  `yaml:"storage"`
	Status   Status   `yaml:"status"`
	Logging  Logging  `yaml:"logging"`
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл
// path (если он существует), затем переменные окружения и .env.
func LoadConfig(path string) (*Config, error) {
	// .env необязателен.
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		if err := loadFromYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromYAML накладывает YAML-файл поверх cfg. Отсутствие файла не ошибка.
func loadFromYAML(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("не удалось прочитать файл конфигурации %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("не удалось разобрать YAML конфигурацию: %w", err)
	}
	return nil
}

// applyEnv накладывает переменные окружения.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("ARCHIVER_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ARCHIVER_WEBHOOKS"); v != "" {
		cfg.Upload.Webhooks = SplitList(v)
	}
	if v := os.Getenv("ARCHIVER_STATUS_ADDR"); v != "" {
		cfg.Status.Address = v
	}

	apiIDStr := os.Getenv("TG_API_ID")
	if apiIDStr == "" {
		return nil
	}
	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		return fmt.Errorf("недопустимый TG_API_ID: %w", err)
	}
	srv := TelegramAPIServer{
		APIID:       apiID,
		APIHash:     os.Getenv("TG_API_HASH"),
		PhoneNumber: os.Getenv("TG_PHONE"),
		SessionFile: getEnv("TG_SESSION", DefaultSessionFile),
	}
	// Аккаунт из окружения заменяет первый аккаунт файла.
	if len(cfg.Source.Servers) == 0 {
		cfg.Source.Servers = []TelegramAPIServer{srv}
	} else {
		cfg.Source.Servers[0] = srv
	}
	return nil
}

// GetTelegramServers возвращает список аккаунтов Telegram.
func (c *Config) GetTelegramServers() []TelegramAPIServer {
	if len(c.Source.Servers) == 0 {
		return nil
	}
	return c.Source.Servers
}

// SplitList разбирает список через запятую, пропуская пустые элементы.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate проверяет, являются ли значения конфигурации допустимыми
func (c *Config) Validate() error {
	if len(c.Source.Servers) == 0 {
		return fmt.Errorf("не настроен ни один аккаунт source.servers")
	}
	for i, s := range c.Source.Servers {
		if s.APIID <= 0 {
			return fmt.Errorf("source.servers[%d].api_id должно быть положительным целым числом", i)
		}
		if s.APIHash == "" {
			return fmt.Errorf("source.servers[%d].api_hash не может быть пустым", i)
		}
		if s.SessionFile == "" {
			return fmt.Errorf("source.servers[%d].session_file не может быть пустым", i)
		}
	}
	if c.Source.HealthCheckInterval <= 0 {
		return fmt.Errorf("source.health_check_interval должно быть положительным")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second должно быть неотрицательным (0 для отсутствия ограничений)")
	}
	if c.Source.MessagesPerFetch <= 0 {
		return fmt.Errorf("source.messages_per_fetch должно быть положительным")
	}
	if c.Source.RateLimitWait <= 0 {
		return fmt.Errorf("source.rate_limit_wait должно быть положительным")
	}
	if !validStrategy(c.Source.ClientStrategy) {
		return fmt.Errorf("source.client_strategy должен быть одним из: round_robin, random")
	}

	for i, w := range c.Upload.Webhooks {
		u, err := url.Parse(w)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("upload.webhooks[%d] должен быть http(s) URL", i)
		}
	}
	if c.Upload.MaxAttachmentSize == 0 {
		return fmt.Errorf("upload.max_attachment_size должно быть положительным")
	}
	if c.Upload.PoolSize < 0 {
		return fmt.Errorf("upload.pool_size должно быть неотрицательным (0 для значения по умолчанию)")
	}
	if c.Upload.RefererScheme == "" {
		return fmt.Errorf("upload.referer_scheme не может быть пустым")
	}
	if c.Upload.RateLimitFallback <= 0 {
		return fmt.Errorf("upload.rate_limit_fallback должно быть положительным")
	}
	if !validStrategy(c.Upload.TargetStrategy) {
		return fmt.Errorf("upload.target_strategy должен быть одним из: round_robin, random")
	}

	if c.Queues.WriterSize <= 0 || c.Queues.AttachmentSize <= 0 {
		return fmt.Errorf("queues.writer_size и queues.attachment_size должны быть положительными")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path не может быть пустым")
	}
	if c.Status.RunTTL <= 0 {
		return fmt.Errorf("status.run_ttl должно быть положительным")
	}
	if c.Status.ShutdownTimeout <= 0 {
		return fmt.Errorf("status.shutdown_timeout должно быть положительным")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level должен быть одним из: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format должен быть одним из: text, json")
	}
	if c.Logging.ProgressInterval <= 0 {
		return fmt.Errorf("logging.progress_interval должно быть положительным")
	}

	return nil
}

func validStrategy(name string) bool {
	return name == "round_robin" || name == "random"
}

// getEnv извлекает значение переменной окружения или возвращает значение по умолчанию, если она не установлена
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
