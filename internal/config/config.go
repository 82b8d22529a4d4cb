package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// minCodeLength минимальная длина случайной части кода инструмента
const minCodeLength = 6

// Config представляет конфигурацию приложения
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Kafka     KafkaConfig     `json:"kafka"`
	Logger    LoggerConfig    `json:"logger"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Voucher   VoucherConfig   `json:"voucher"`
	Policy    PolicyConfig    `json:"policy"`
	Sweep     SweepConfig     `json:"sweep"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig представляет конфигурацию HTTP сервера
type ServerConfig struct {
	Port         string `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
}

// DatabaseConfig представляет конфигурацию базы данных
type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	DBName       string `json:"db_name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	AutoMigrate  bool   `json:"auto_migrate"`
	// ConnectAttempts сколько раз пинговать базу при старте
	ConnectAttempts int `json:"connect_attempts"`
}

// RedisConfig представляет конфигурацию Redis
type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// KafkaConfig представляет конфигурацию Kafka
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id"`
	Topics  Topics   `json:"topics"`
}

// Topics представляет список топиков Kafka
type Topics struct {
	Vouchers   string `json:"vouchers"`
	GiftCards  string `json:"gift_cards"`
	Complaints string `json:"complaints"`
}

// LoggerConfig представляет конфигурацию логгера
type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// RateLimitConfig описывает настройки rate limiting
type RateLimitConfig struct {
	Enabled       bool   `json:"enabled"`
	Requests      int    `json:"requests"`
	WindowSeconds int    `json:"window_seconds"`
	KeyPrefix     string `json:"key_prefix"`
}

// VoucherConfig описывает выпуск компенсационных ваучеров
type VoucherConfig struct {
	CodePrefix          string `json:"code_prefix"`
	CodeLength          int    `json:"code_length"`
	CodeAttempts        int    `json:"code_attempts"`
	DefaultValidityDays int    `json:"default_validity_days"`
}

// PolicyConfig описывает источник политик компенсации
type PolicyConfig struct {
	Source          string `json:"source"` // database | file
	CatalogFile     string `json:"catalog_file"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

// SweepConfig описывает фоновую фиксацию истёкших инструментов
type SweepConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
	BatchSize       int  `json:"batch_size"`
}

// MetricsConfig описывает экспорт метрик Prometheus
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load загружает конфигурацию из переменных окружения
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 10),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "ledger_user"),
			Password:     getEnv("DB_PASSWORD", "ledger_pass"),
			DBName:       getEnv("DB_NAME", "instrument_ledger"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			AutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),

			ConnectAttempts: getEnvAsInt("DB_CONNECT_ATTEMPTS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getEnv("KAFKA_GROUP_ID", "instrument-ledger"),
			Topics: Topics{
				Vouchers:   getEnv("KAFKA_TOPIC_VOUCHERS", "vouchers"),
				GiftCards:  getEnv("KAFKA_TOPIC_GIFT_CARDS", "gift_cards"),
				Complaints: getEnv("KAFKA_TOPIC_COMPLAINTS", "complaints"),
			},
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvAsBool("RATE_LIMIT_ENABLED", false),
			Requests:      getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			KeyPrefix:     getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
		},
		Voucher: VoucherConfig{
			CodePrefix:          getEnv("VOUCHER_CODE_PREFIX", "CMP"),
			CodeLength:          getEnvAsInt("VOUCHER_CODE_LENGTH", 10),
			CodeAttempts:        getEnvAsInt("VOUCHER_CODE_ATTEMPTS", 5),
			DefaultValidityDays: getEnvAsInt("VOUCHER_DEFAULT_VALIDITY_DAYS", 0),
		},
		Policy: PolicyConfig{
			Source:          getEnv("POLICY_SOURCE", "database"),
			CatalogFile:     getEnv("POLICY_CATALOG_FILE", ""),
			CacheTTLSeconds: getEnvAsInt("POLICY_CACHE_TTL_SECONDS", 300),
		},
		Sweep: SweepConfig{
			Enabled:         getEnvAsBool("SWEEP_ENABLED", true),
			IntervalSeconds: getEnvAsInt("SWEEP_INTERVAL_SECONDS", 300),
			BatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}
}

// Validate проверяет согласованность настроек и возвращает все найденные
// ошибки сразу.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker is required"))
	}
	switch c.Policy.Source {
	case "database":
	case "file":
		if strings.TrimSpace(c.Policy.CatalogFile) == "" {
			errs = append(errs, errors.New("policy: catalog_file is required for file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy: unknown source %q", c.Policy.Source))
	}
	if c.Policy.CacheTTLSeconds < 0 {
		errs = append(errs, errors.New("policy: cache_ttl_seconds must not be negative"))
	}
	if c.Voucher.CodeLength < minCodeLength {
		errs = append(errs, fmt.Errorf("voucher: code_length must be at least %d", minCodeLength))
	}
	if c.Voucher.CodeAttempts <= 0 {
		errs = append(errs, errors.New("voucher: code_attempts must be positive"))
	}
	if c.Voucher.DefaultValidityDays < 0 {
		errs = append(errs, errors.New("voucher: default_validity_days must not be negative"))
	}
	if c.Sweep.Enabled && (c.Sweep.IntervalSeconds <= 0 || c.Sweep.BatchSize <= 0) {
		errs = append(errs, errors.New("sweep: interval_seconds and batch_size must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0) {
		errs = append(errs, errors.New("rate_limit: requests and window_seconds must be positive"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics: path %q must start with /", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

// getEnv получает значение переменной окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt получает значение переменной окружения как int с значением по умолчанию
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList разбирает список через запятую, пустые элементы отбрасываются
func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsBool получает значение переменной окружения как bool с значением по умолчанию
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	if valueStr == "true" || valueStr == "1" || valueStr == "yes" {
		return true
	}
	if valueStr == "false" || valueStr == "0" || valueStr == "no" {
		return false
	}
	return defaultValue
}
