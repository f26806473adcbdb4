package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the booking assistant.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Business struct {
		ID       string `mapstructure:"id"` // WhatsApp phone number id, scopes subjects and rows
		Name     string `mapstructure:"name"`
		Timezone string `mapstructure:"timezone"`
		Locale   string `mapstructure:"locale"`
	} `mapstructure:"business"`
	NATS struct {
		URL             string             `mapstructure:"url"`
		Inbound         ConsumerNatsConfig `mapstructure:"inbound"`
		Reconcile       ConsumerNatsConfig `mapstructure:"reconcile"`
		OutboundStream  string             `mapstructure:"outboundStream"`
		OutboundSubject string             `mapstructure:"outboundSubject"` // base, business id is appended
		DLQStream       string             `mapstructure:"dlqStream"`
		DLQSubject      string             `mapstructure:"dlqSubject"`
		DLQMaxAgeDays   int                `mapstructure:"dlqMaxAgeDays"`
		DuplicateWindow time.Duration      `mapstructure:"duplicateWindow"`
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled     bool          `mapstructure:"enabled"`
		Addr        string        `mapstructure:"addr"`
		Password    string        `mapstructure:"password"`
		DB          int           `mapstructure:"db"`
		SlotLockTTL time.Duration `mapstructure:"slotLockTTL"`
	} `mapstructure:"redis"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		Endpoint    string  `mapstructure:"endpoint"`
		SampleRatio float64 `mapstructure:"sampleRatio"`
	} `mapstructure:"tracing"`
	WorkerPools struct {
		Messages  WorkerPoolConfig `mapstructure:"messages"`
		Reconcile WorkerPoolConfig `mapstructure:"reconcile"`
	} `mapstructure:"workerPools"`
	Onboarding struct {
		RequireEmail  bool `mapstructure:"requireEmail"`
		MinNameLength int  `mapstructure:"minNameLength"`
	} `mapstructure:"onboarding"`
	Booking BookingConfig `mapstructure:"booking"`
	Timeouts struct {
		Resolver time.Duration `mapstructure:"resolver"`
		Calendar time.Duration `mapstructure:"calendar"`
		Store    time.Duration `mapstructure:"store"`
		Send     time.Duration `mapstructure:"send"`
	} `mapstructure:"timeouts"`
	Calendar struct {
		ID              string `mapstructure:"id"`
		CredentialsFile string `mapstructure:"credentialsFile"`
		Endpoint        string `mapstructure:"endpoint"`
		SendUpdates     string `mapstructure:"sendUpdates"`
	} `mapstructure:"calendar"`
	OpenAI struct {
		APIKey      string  `mapstructure:"apiKey"`
		BaseURL     string  `mapstructure:"baseURL"`
		Model       string  `mapstructure:"model"`
		Temperature float64 `mapstructure:"temperature"`
		SiteURL     string  `mapstructure:"siteURL"`
		SiteName    string  `mapstructure:"siteName"`
	} `mapstructure:"openai"`
	WhatsApp struct {
		Driver        string `mapstructure:"driver"` // cloudapi | jetstream
		GraphBaseURL  string `mapstructure:"graphBaseURL"`
		PhoneNumberID string `mapstructure:"phoneNumberID"`
		AccessToken   string `mapstructure:"accessToken"`
		VerifyToken   string `mapstructure:"verifyToken"`
		AppSecret     string `mapstructure:"appSecret"`
	} `mapstructure:"whatsapp"`
}

// BookingConfig drives the orchestrator.
type BookingConfig struct {
	DurationMinutes int    `mapstructure:"durationMinutes"`
	CheckLimit      int    `mapstructure:"checkLimit"`
	HistoryLimit    int    `mapstructure:"historyLimit"`
	OrphanPolicy    string `mapstructure:"orphanPolicy"` // log | rollback
}

// Duration returns the fixed appointment length.
func (b BookingConfig) Duration() time.Duration {
	return time.Duration(b.DurationMinutes) * time.Minute
}

// WorkerPoolConfig holds configuration for an ants worker pool.
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	QueueSize  int           `mapstructure:"queueSize"`
	MaxBlock   time.Duration `mapstructure:"maxBlock"`
	ExpiryTime time.Duration `mapstructure:"expiryTime"`
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer.
type ConsumerNatsConfig struct {
	MaxAge       int64         `mapstructure:"maxAge"` // days
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"`
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	AckWait      time.Duration `mapstructure:"ackWait"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
}

const (
	OrphanPolicyLog      = "log"
	OrphanPolicyRollback = "rollback"

	DriverCloudAPI  = "cloudapi"
	DriverJetStream = "jetstream"
)

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-booking-assistant")
	v.AddConfigPath("/etc/daisi-wa-booking-assistant")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	directEnv := map[string]string{
		"POSTGRES_DSN":          "database.postgresDSN",
		"LOG_LEVEL":             "logLevel",
		"NATS_URL":              "nats.url",
		"BUSINESS_ID":           "business.id",
		"REDIS_ADDR":            "redis.addr",
		"OPENAI_API_KEY":        "openai.apiKey",
		"WHATSAPP_ACCESS_TOKEN": "whatsapp.accessToken",
		"WHATSAPP_VERIFY_TOKEN": "whatsapp.verifyToken",
		"GOOGLE_CALENDAR_ID":    "calendar.id",
	}
	for env, key := range directEnv {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("business.timezone", "America/Bogota")
	v.SetDefault("business.locale", "es_ES")

	v.SetDefault("nats.inbound.stream", "wa_inbound")
	v.SetDefault("nats.inbound.consumer", "booking_assistant")
	v.SetDefault("nats.inbound.group", "booking_assistant")
	v.SetDefault("nats.inbound.subjectList", []string{"v1.messages.inbound"})
	v.SetDefault("nats.inbound.maxAge", 7)
	v.SetDefault("nats.inbound.maxDeliver", 5)
	v.SetDefault("nats.inbound.ackWait", 30*time.Second)
	v.SetDefault("nats.inbound.nakBaseDelay", time.Second)
	v.SetDefault("nats.inbound.nakMaxDelay", 30*time.Second)

	v.SetDefault("nats.reconcile.stream", "booking_reconcile")
	v.SetDefault("nats.reconcile.consumer", "booking_reconciler")
	v.SetDefault("nats.reconcile.subjectList", []string{"v1.reconcile"})
	v.SetDefault("nats.reconcile.maxAge", 30)
	v.SetDefault("nats.reconcile.maxDeliver", 10)
	v.SetDefault("nats.reconcile.ackWait", time.Minute)
	v.SetDefault("nats.reconcile.nakBaseDelay", time.Minute)
	v.SetDefault("nats.reconcile.nakMaxDelay", 15*time.Minute)

	v.SetDefault("nats.outboundStream", "wa_outbound")
	v.SetDefault("nats.outboundSubject", "v1.messages.outbound")
	v.SetDefault("nats.dlqStream", "wa_dlq")
	v.SetDefault("nats.dlqSubject", "v1.dlq")
	v.SetDefault("nats.dlqMaxAgeDays", 7)
	v.SetDefault("nats.duplicateWindow", 10*time.Minute)

	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.slotLockTTL", 30*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sampleRatio", 1.0)

	v.SetDefault("workerPools.messages.poolSize", 32)
	v.SetDefault("workerPools.messages.queueSize", 1000)
	v.SetDefault("workerPools.messages.maxBlock", time.Second)
	v.SetDefault("workerPools.messages.expiryTime", time.Minute)
	v.SetDefault("workerPools.reconcile.poolSize", 4)
	v.SetDefault("workerPools.reconcile.queueSize", 100)
	v.SetDefault("workerPools.reconcile.maxBlock", time.Second)
	v.SetDefault("workerPools.reconcile.expiryTime", time.Minute)

	v.SetDefault("onboarding.requireEmail", false)
	v.SetDefault("onboarding.minNameLength", 3)

	v.SetDefault("booking.durationMinutes", 60)
	v.SetDefault("booking.checkLimit", 3)
	v.SetDefault("booking.historyLimit", 8)
	v.SetDefault("booking.orphanPolicy", OrphanPolicyLog)

	v.SetDefault("timeouts.resolver", 20*time.Second)
	v.SetDefault("timeouts.calendar", 10*time.Second)
	v.SetDefault("timeouts.store", 5*time.Second)
	v.SetDefault("timeouts.send", 10*time.Second)

	v.SetDefault("calendar.id", "primary")
	v.SetDefault("calendar.sendUpdates", "all")

	v.SetDefault("openai.baseURL", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("whatsapp.driver", DriverCloudAPI)
	v.SetDefault("whatsapp.graphBaseURL", "https://graph.facebook.com/v18.0")
}

// Validate checks cross-field rules and clamps the history window.
func (c *Config) Validate() error {
	if c.Business.ID == "" {
		return fmt.Errorf("config: business.id is required")
	}
	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		return fmt.Errorf("config: invalid business.timezone %q: %w", c.Business.Timezone, err)
	}
	if c.Booking.DurationMinutes <= 0 {
		return fmt.Errorf("config: booking.durationMinutes must be positive")
	}
	switch c.Booking.OrphanPolicy {
	case OrphanPolicyLog, OrphanPolicyRollback:
	default:
		return fmt.Errorf("config: unknown booking.orphanPolicy %q", c.Booking.OrphanPolicy)
	}
	switch c.WhatsApp.Driver {
	case DriverCloudAPI, DriverJetStream:
	default:
		return fmt.Errorf("config: unknown whatsapp.driver %q", c.WhatsApp.Driver)
	}
	if c.Booking.HistoryLimit < 5 {
		c.Booking.HistoryLimit = 5
	}
	if c.Booking.HistoryLimit > 10 {
		c.Booking.HistoryLimit = 10
	}
	if c.Booking.CheckLimit <= 0 {
		c.Booking.CheckLimit = 3
	}
	if c.Onboarding.MinNameLength <= 0 {
		c.Onboarding.MinNameLength = 3
	}
	return nil
}

// Location returns the business timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Business.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// bindEnvs recursively binds environment variables to config struct fields.
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}
		_ = v.BindEnv(strings.Join(path, "."))
	}
}
