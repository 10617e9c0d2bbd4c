package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the API and consumer
// processes. Defaults are overlaid by an optional YAML file (CONFIG_PATH)
// and then by environment variables, so the binary can run locally without
// excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers  []string `yaml:"kafka_brokers"`
	LocationTopic string   `yaml:"location_topic"`
	EventsTopic   string   `yaml:"events_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`

	DispatchRadiusKm     float64       `yaml:"dispatch_radius_km"`
	DispatchTopN         int           `yaml:"dispatch_top_n"`
	DispatchRetryInitial time.Duration `yaml:"dispatch_retry_initial"`
	DispatchRetryMax     time.Duration `yaml:"dispatch_retry_max"`
	DispatchRetryTimeout time.Duration `yaml:"dispatch_retry_timeout"`
	DefaultSpeedMps      float64       `yaml:"default_speed_mps"`
	OSRMURL              string        `yaml:"osrm_url"`

	VisitFee             int64  `yaml:"visit_fee"`
	TechnicianVisitShare int64  `yaml:"technician_visit_share"`
	Currency             string `yaml:"currency"`
	StripeAPIKey         string `yaml:"stripe_api_key"`

	OTPTTL         time.Duration `yaml:"otp_ttl"`
	OTPMaxAttempts int           `yaml:"otp_max_attempts"`

	LoyaltyPenalty     int64 `yaml:"loyalty_penalty"`
	ReliabilityPenalty int   `yaml:"reliability_penalty"`

	NotifyWebhookURL string `yaml:"notify_webhook_url"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "technicians_geo",
		LocationTopic:        "technician-locations",
		EventsTopic:          "request-events",
		ConsumerGroup:        "repair-dispatch-consumer",
		MigrationsDir:        "migrations",
		DispatchRadiusKm:     10,
		DispatchTopN:         20,
		DispatchRetryInitial: 5 * time.Second,
		DispatchRetryMax:     2 * time.Minute,
		DispatchRetryTimeout: 30 * time.Minute,
		DefaultSpeedMps:      8,
		VisitFee:             200,
		TechnicianVisitShare: 150,
		Currency:             "inr",
		OTPTTL:               15 * time.Minute,
		OTPMaxAttempts:       5,
		LoyaltyPenalty:       15,
		ReliabilityPenalty:   5,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.ConsumerGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DispatchTopN, "DISPATCH_TOP_N", &errs)
	setDurationFromEnv(&cfg.DispatchRetryInitial, "DISPATCH_RETRY_INITIAL", &errs)
	setDurationFromEnv(&cfg.DispatchRetryMax, "DISPATCH_RETRY_MAX", &errs)
	setDurationFromEnv(&cfg.DispatchRetryTimeout, "DISPATCH_RETRY_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")

	setInt64FromEnv(&cfg.VisitFee, "VISIT_FEE", &errs)
	setInt64FromEnv(&cfg.TechnicianVisitShare, "TECHNICIAN_VISIT_SHARE", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")
	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")

	setDurationFromEnv(&cfg.OTPTTL, "OTP_TTL", &errs)
	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)

	setInt64FromEnv(&cfg.LoyaltyPenalty, "LOYALTY_PENALTY", &errs)
	setIntFromEnv(&cfg.ReliabilityPenalty, "RELIABILITY_PENALTY", &errs)

	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if c.DispatchTopN <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TOP_N must be > 0"))
	}
	if c.DispatchRetryInitial <= 0 || c.DispatchRetryMax < c.DispatchRetryInitial {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_MAX must be >= DISPATCH_RETRY_INITIAL > 0"))
	}
	if c.DispatchRetryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_TIMEOUT must be > 0"))
	}
	if c.VisitFee < 0 || c.TechnicianVisitShare < 0 {
		errs = append(errs, fmt.Errorf("VISIT_FEE and TECHNICIAN_VISIT_SHARE must be >= 0"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, fmt.Errorf("OTP_TTL must be > 0"))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be > 0"))
	}
	if c.LoyaltyPenalty < 0 || c.ReliabilityPenalty < 0 {
		errs = append(errs, fmt.Errorf("penalties must be >= 0"))
	}
	return errs
}

func loadFile(path string, cfg *ServerConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
