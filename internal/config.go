package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	MercadoPago   MercadoPagoConfig   `mapstructure:"mercadopago"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Video         VideoConfig         `mapstructure:"video"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

func (c AppConfig) IsProduction() bool {
	return c.Env == "production"
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	OpenAPIPath       string        `mapstructure:"openapi_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
	AdminRole   string `mapstructure:"admin_role"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID      string  `mapstructure:"id"`
	Name    string  `mapstructure:"name"`
	Credits int     `mapstructure:"credits"`
	Price   float64 `mapstructure:"price"`
}

type MercadoPagoConfig struct {
	BaseURL          string          `mapstructure:"base_url"`
	AccessToken      string          `mapstructure:"access_token"`
	WebhookSecret    string          `mapstructure:"webhook_secret"`
	RequireSignature bool            `mapstructure:"require_signature"`
	NotificationURL  string          `mapstructure:"notification_url"`
	SuccessURL       string          `mapstructure:"success_url"`
	Currency         string          `mapstructure:"currency"`
	GatewayTimeout   time.Duration   `mapstructure:"gateway_timeout"`
	RequestTimeout   time.Duration   `mapstructure:"request_timeout"`
	FetchAttempts    int             `mapstructure:"fetch_attempts"`
	FetchBackoff     time.Duration   `mapstructure:"fetch_backoff"`
	AllowedIPRanges  []string        `mapstructure:"allowed_ip_ranges"`
	TrustAllIPs      bool            `mapstructure:"trust_all_ips"`
	TrustedProxies   []string        `mapstructure:"trusted_proxies"`
	ProcessorMode    string          `mapstructure:"processor_mode"`
	Packages         []CreditPackage `mapstructure:"packages"`
}

// Package returns the configured credit package with the given id.
func (c MercadoPagoConfig) Package(id string) (CreditPackage, bool) {
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPackage{}, false
}

type WebhookConfig struct {
	RateLimitPerMinute int   `mapstructure:"rate_limit_per_minute"`
	MaxBodyBytes       int64 `mapstructure:"max_body_bytes"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	RelayInterval  time.Duration `mapstructure:"relay_interval"`
	RelayBatchSize int           `mapstructure:"relay_batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	EndpointURL     string        `mapstructure:"endpoint_url"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

type ModerationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type VideoConfig struct {
	ViduBaseURL   string           `mapstructure:"vidu_base_url"`
	ViduAPIKey    string           `mapstructure:"vidu_api_key"`
	Model         string           `mapstructure:"model"`
	Duration      int              `mapstructure:"duration"`
	Resolution    string           `mapstructure:"resolution"`
	CallbackURL   string           `mapstructure:"callback_url"`
	CallbackToken string           `mapstructure:"callback_token"`
	Timeout       time.Duration    `mapstructure:"timeout"`
	CreditCost    int              `mapstructure:"credit_cost"`
	MaxRetries    int              `mapstructure:"max_retries"`
	ConsumeMode   string           `mapstructure:"consume_mode"`
	MaxImageSide  int              `mapstructure:"max_image_side"`
	Moderation    ModerationConfig `mapstructure:"moderation"`
}

type LedgerConfig struct {
	Mode string `mapstructure:"mode"`
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.OpenAPIPath == "" {
		c.Server.OpenAPIPath = "./api/openapi.yml"
	}
	if c.Security.AdminRole == "" {
		c.Security.AdminRole = "admin"
	}
	if c.Security.JWTAudience == "" {
		c.Security.JWTAudience = "authenticated"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}

	mp := &c.MercadoPago
	if mp.BaseURL == "" {
		mp.BaseURL = "https://api.mercadopago.com"
	}
	if mp.Currency == "" {
		mp.Currency = "BRL"
	}
	if mp.GatewayTimeout <= 0 {
		mp.GatewayTimeout = 8 * time.Second
	}
	if mp.RequestTimeout <= 0 {
		mp.RequestTimeout = 10 * time.Second
	}
	if mp.FetchAttempts <= 0 {
		mp.FetchAttempts = 3
	}
	if mp.FetchBackoff <= 0 {
		mp.FetchBackoff = 2 * time.Second
	}
	if mp.ProcessorMode == "" {
		if c.App.IsProduction() {
			mp.ProcessorMode = "production"
		} else {
			mp.ProcessorMode = "development"
		}
	}

	if c.Webhook.RateLimitPerMinute <= 0 {
		c.Webhook.RateLimitPerMinute = 60
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 10 * 1024
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 30 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "credit-ledger-events"
	}
	if c.Kafka.RelayInterval <= 0 {
		c.Kafka.RelayInterval = time.Second
	}
	if c.Kafka.RelayBatchSize <= 0 {
		c.Kafka.RelayBatchSize = 100
	}
	if c.Kafka.MaxRetries <= 0 {
		c.Kafka.MaxRetries = 5
	}
	if c.Storage.PresignTTL <= 0 {
		c.Storage.PresignTTL = time.Hour
	}

	v := &c.Video
	if v.ViduBaseURL == "" {
		v.ViduBaseURL = "https://api.vidu.com"
	}
	if v.Model == "" {
		v.Model = "viduq1"
	}
	if v.Duration <= 0 {
		v.Duration = 5
	}
	if v.Resolution == "" {
		v.Resolution = "720p"
	}
	if v.Timeout <= 0 {
		v.Timeout = 30 * time.Second
	}
	if v.CreditCost <= 0 {
		v.CreditCost = 1
	}
	if v.MaxRetries <= 0 {
		v.MaxRetries = 1
	}
	if v.ConsumeMode == "" {
		v.ConsumeMode = "atomic"
	}
	if v.MaxImageSide <= 0 {
		v.MaxImageSide = 2048
	}
	if v.Moderation.Timeout <= 0 {
		v.Moderation.Timeout = 8 * time.Second
	}
	if v.Moderation.Model == "" {
		v.Moderation.Model = "omni-moderation-latest"
	}

	if c.Ledger.Mode == "" {
		c.Ledger.Mode = "native"
	}
}

// LoadConfigFromEnv builds the configuration for container deployments.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		App: AppConfig{Env: getEnv("APP_ENV", "production")},
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", ""),
			OpenAPIPath:       getEnv("HTTP_OPENAPI_PATH", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Security: SecurityConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTAudience: getEnv("JWT_AUDIENCE", ""),
			AdminRole:   getEnv("ADMIN_ROLE", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		MercadoPago: MercadoPagoConfig{
			BaseURL:          getEnv("MP_BASE_URL", ""),
			AccessToken:      getEnv("MP_ACCESS_TOKEN", ""),
			WebhookSecret:    getEnv("MP_WEBHOOK_SECRET", ""),
			RequireSignature: getEnvAsBool("MP_REQUIRE_SIGNATURE", false),
			NotificationURL:  getEnv("MP_NOTIFICATION_URL", ""),
			SuccessURL:       getEnv("MP_SUCCESS_URL", ""),
			Currency:         getEnv("MP_CURRENCY", ""),
			GatewayTimeout:   getEnvAsDuration("MP_GATEWAY_TIMEOUT", 0),
			RequestTimeout:   getEnvAsDuration("MP_REQUEST_TIMEOUT", 0),
			FetchAttempts:    getEnvAsInt("MP_FETCH_ATTEMPTS", 0),
			FetchBackoff:     getEnvAsDuration("MP_FETCH_BACKOFF", 0),
			AllowedIPRanges:  getEnvAsList("MP_ALLOWED_IP_RANGES"),
			TrustAllIPs:      getEnvAsBool("MP_TRUST_ALL_IPS", false),
			TrustedProxies:   getEnvAsList("MP_TRUSTED_PROXIES"),
			ProcessorMode:    getEnv("MP_PROCESSOR_MODE", ""),
			Packages:         parsePackages(getEnv("MP_PACKAGES", "")),
		},
		Webhook: WebhookConfig{
			RateLimitPerMinute: getEnvAsInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 0),
			MaxBodyBytes:       int64(getEnvAsInt("WEBHOOK_MAX_BODY_BYTES", 0)),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 0),
		},
		Kafka: KafkaConfig{
			Enabled:        getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:        getEnvAsList("KAFKA_BROKERS"),
			Topic:          getEnv("KAFKA_TOPIC", ""),
			RelayInterval:  getEnvAsDuration("KAFKA_RELAY_INTERVAL", 0),
			RelayBatchSize: getEnvAsInt("KAFKA_RELAY_BATCH_SIZE", 0),
			MaxRetries:     getEnvAsInt("KAFKA_MAX_RETRIES", 0),
		},
		Storage: StorageConfig{
			Enabled:         getEnvAsBool("S3_ENABLED", false),
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			EndpointURL:     getEnv("S3_ENDPOINT_URL", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			PresignTTL:      getEnvAsDuration("S3_PRESIGN_TTL", 0),
		},
		Video: VideoConfig{
			ViduBaseURL:   getEnv("VIDU_BASE_URL", ""),
			ViduAPIKey:    getEnv("VIDU_API_KEY", ""),
			Model:         getEnv("VIDU_MODEL", ""),
			Duration:      getEnvAsInt("VIDU_DURATION", 0),
			Resolution:    getEnv("VIDU_RESOLUTION", ""),
			CallbackURL:   getEnv("VIDU_CALLBACK_URL", ""),
			CallbackToken: getEnv("VIDU_CALLBACK_TOKEN", ""),
			Timeout:       getEnvAsDuration("VIDU_TIMEOUT", 0),
			CreditCost:    getEnvAsInt("VIDEO_CREDIT_COST", 0),
			MaxRetries:    getEnvAsInt("VIDEO_MAX_RETRIES", 0),
			ConsumeMode:   getEnv("VIDEO_CONSUME_MODE", ""),
			MaxImageSide:  getEnvAsInt("VIDEO_MAX_IMAGE_SIDE", 0),
			Moderation: ModerationConfig{
				Enabled: getEnvAsBool("MODERATION_ENABLED", false),
				URL:     getEnv("MODERATION_URL", ""),
				APIKey:  getEnv("MODERATION_API_KEY", ""),
				Model:   getEnv("MODERATION_MODEL", ""),
				Timeout: getEnvAsDuration("MODERATION_TIMEOUT", 0),
			},
		},
		Ledger: LedgerConfig{Mode: getEnv("LEDGER_MODE", "")},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsePackages reads "id:credits:price[:name]" entries separated by ";".
func parsePackages(raw string) []CreditPackage {
	var out []CreditPackage
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 {
			continue
		}
		credits, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		price, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		p := CreditPackage{ID: parts[0], Credits: credits, Price: price, Name: parts[0]}
		if len(parts) > 3 {
			p.Name = parts[3]
		}
		out = append(out, p)
	}
	return out
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.MercadoPago.Validate(c.App.IsProduction()); err != nil {
		errs = append(errs, fmt.Sprintf("mercadopago config: %v", err))
	}

	if err := c.Video.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("video config: %v", err))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka config: brokers are required when kafka is enabled")
	}

	if c.Storage.Enabled && c.Storage.Bucket == "" {
		errs = append(errs, "storage config: bucket is required when storage is enabled")
	}

	if c.Ledger.Mode != "native" && c.Ledger.Mode != "rpc" {
		errs = append(errs, fmt.Sprintf("ledger config: unknown mode %q", c.Ledger.Mode))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *SecurityConfig) Validate() error {
	if len(c.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 characters")
	}
	return nil
}

func (c *MercadoPagoConfig) Validate(production bool) error {
	if c.AccessToken == "" {
		return errors.New("access_token is required")
	}
	if c.ProcessorMode != "production" && c.ProcessorMode != "development" {
		return fmt.Errorf("unknown processor_mode %q", c.ProcessorMode)
	}
	if production && c.ProcessorMode != "production" {
		return errors.New("development processor cannot run in production")
	}
	if production && len(c.AllowedIPRanges) == 0 && !c.TrustAllIPs {
		return errors.New("allowed_ip_ranges is required in production unless trust_all_ips is set")
	}
	for _, cidr := range c.AllowedIPRanges {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid ip range %s: %w", cidr, err)
		}
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted proxy %s: %w", cidr, err)
		}
	}
	if c.RequireSignature && c.WebhookSecret == "" {
		return errors.New("webhook_secret is required when require_signature is set")
	}
	for _, p := range c.Packages {
		if p.ID == "" || p.Credits <= 0 || p.Price <= 0 {
			return fmt.Errorf("invalid credit package %q", p.ID)
		}
	}
	return nil
}

func (c *VideoConfig) Validate() error {
	if c.ConsumeMode != "atomic" && c.ConsumeMode != "legacy" {
		return fmt.Errorf("unknown consume_mode %q", c.ConsumeMode)
	}
	if c.Moderation.Enabled && c.Moderation.URL == "" {
		return errors.New("moderation url is required when moderation is enabled")
	}
	return nil
}
