package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// Rate limit scopes
const (
	ScopeGlobal  = "global"
	ScopeChannel = "channel"
)

// ErrInvalidRateLimit is returned when a forwarding ceiling is not positive.
var ErrInvalidRateLimit = errors.New("rate limit must be greater than zero")

// ChannelQueues lists the priority sub-queues of one channel, highest priority first.
type ChannelQueues struct {
	Name      string
	SubQueues []string
}

type Config struct {
	Port        int
	MetricsPort int
	LogLevel    string
	Env         string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue topology
	Channels       []ChannelQueues
	PriorityLevels int

	// Dispatcher config
	RateLimit           int            // forwarded messages per second
	RateLimitScope      string         // global or channel
	ChannelRateLimits   map[string]int // per-channel ceilings when scope is channel
	BackoffExtra        time.Duration  // added to the limiter's wait hint
	IdleSleep           time.Duration  // sleep after a pass that found nothing
	DepthSampleInterval time.Duration

	// Consumer config
	ConsumerChannel     string
	ConsumerConcurrency int
	ConsumerPoll        time.Duration
	DeliveryRate        float64 // provider calls per second, 0 disables
	DeliveryBurst       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	EmailSubject string
	SNSRegion    string // AWS region for SNS (SMS)
	SQSRegion    string
	SQSDLQURL    string // dead-letter queue for failed deliveries
	RedriveMax   int

	// WhatsApp config
	WhatsAppAPIURL        string
	WhatsAppPhoneNumberID string
	WhatsAppToken         string
	WhatsAppTimeout       time.Duration

	// Gateway request limiting
	APIRateLimit int // requests per minute per key
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:        3000,
		MetricsPort: 9090,
		LogLevel:    "info",
		Env:         "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "notifications",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		PriorityLevels: 3,

		RateLimit:           10,
		RateLimitScope:      ScopeGlobal,
		ChannelRateLimits:   map[string]int{},
		BackoffExtra:        5 * time.Second,
		IdleSleep:           50 * time.Millisecond,
		DepthSampleInterval: 15 * time.Second,

		ConsumerConcurrency: 1,
		ConsumerPoll:        100 * time.Millisecond,
		DeliveryBurst:       1,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@nimbus.local",
		EmailSubject: "Notification",
		RedriveMax:   100,

		WhatsAppAPIURL:  "https://graph.facebook.com/v19.0",
		WhatsAppTimeout: 10 * time.Second,

		APIRateLimit: 100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.MetricsPort, err = intEnv("METRICS_PORT", cfg.MetricsPort); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Queue topology
	if cfg.PriorityLevels, err = intEnv("PRIORITY_LEVELS", cfg.PriorityLevels); err != nil {
		return nil, err
	}
	names := []string{"email", "sms", "whatsapp"}
	if raw := os.Getenv("CHANNELS"); raw != "" {
		names = splitList(raw)
	}
	for _, name := range names {
		cfg.Channels = append(cfg.Channels, channelQueues(name, cfg.PriorityLevels))
	}

	// Dispatcher config
	if cfg.RateLimit, err = intEnv("RATE_LIMIT_PER_SECOND", cfg.RateLimit); err != nil {
		return nil, err
	}
	if scope := os.Getenv("RATE_LIMIT_SCOPE"); scope != "" {
		cfg.RateLimitScope = strings.ToLower(scope)
	}
	for _, ch := range cfg.Channels {
		key := "RATE_LIMIT_" + envName(ch.Name)
		if os.Getenv(key) == "" {
			continue
		}
		limit, err := intEnv(key, 0)
		if err != nil {
			return nil, err
		}
		cfg.ChannelRateLimits[ch.Name] = limit
	}
	if cfg.BackoffExtra, err = durationEnv("BACKOFF_EXTRA", cfg.BackoffExtra); err != nil {
		return nil, err
	}
	if cfg.IdleSleep, err = durationEnv("IDLE_SLEEP", cfg.IdleSleep); err != nil {
		return nil, err
	}
	if cfg.DepthSampleInterval, err = durationEnv("DEPTH_SAMPLE_INTERVAL", cfg.DepthSampleInterval); err != nil {
		return nil, err
	}

	// Consumer config
	if ch := os.Getenv("CONSUMER_CHANNEL"); ch != "" {
		cfg.ConsumerChannel = ch
	}
	if cfg.ConsumerConcurrency, err = intEnv("CONSUMER_CONCURRENCY", cfg.ConsumerConcurrency); err != nil {
		return nil, err
	}
	if cfg.ConsumerPoll, err = durationEnv("CONSUMER_POLL_INTERVAL", cfg.ConsumerPoll); err != nil {
		return nil, err
	}
	if r := os.Getenv("DELIVERY_RATE"); r != "" {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_RATE: %w", err)
		}
		cfg.DeliveryRate = v
	}
	if cfg.DeliveryBurst, err = intEnv("DELIVERY_BURST", cfg.DeliveryBurst); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	if subject := os.Getenv("EMAIL_SUBJECT"); subject != "" {
		cfg.EmailSubject = subject
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS dead-letter config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}
	if cfg.RedriveMax, err = intEnv("REDRIVE_MAX", cfg.RedriveMax); err != nil {
		return nil, err
	}

	// WhatsApp config
	if url := os.Getenv("WHATSAPP_API_URL"); url != "" {
		cfg.WhatsAppAPIURL = url
	}
	if id := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.WhatsAppPhoneNumberID = id
	}
	if token := os.Getenv("WHATSAPP_TOKEN"); token != "" {
		cfg.WhatsAppToken = token
	}
	if cfg.WhatsAppTimeout, err = durationEnv("WHATSAPP_TIMEOUT", cfg.WhatsAppTimeout); err != nil {
		return nil, err
	}

	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configuration the dispatcher cannot run with.
// A non-positive ceiling is fatal at startup, never a runtime condition.
func (c *Config) Validate() error {
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND=%d: %w", c.RateLimit, ErrInvalidRateLimit)
	}
	for name, limit := range c.ChannelRateLimits {
		if limit <= 0 {
			return fmt.Errorf("RATE_LIMIT_%s=%d: %w", envName(name), limit, ErrInvalidRateLimit)
		}
	}
	if c.RateLimitScope != ScopeGlobal && c.RateLimitScope != ScopeChannel {
		return fmt.Errorf("invalid RATE_LIMIT_SCOPE: %q", c.RateLimitScope)
	}
	if len(c.Channels) == 0 {
		return errors.New("no channels configured")
	}
	if c.BackoffExtra < 0 || c.IdleSleep < 0 {
		return errors.New("backoff and idle sleep must not be negative")
	}

	if _, err := c.Topology(); err != nil {
		return fmt.Errorf("invalid queue topology: %w", err)
	}
	return nil
}

// Topology converts the configured channels into the queue topology shared
// by the gateway, dispatcher and redrive tool.
func (c *Config) Topology() (*queue.Topology, error) {
	channels := make([]queue.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		channels = append(channels, queue.Channel{Name: ch.Name, SubQueues: ch.SubQueues})
	}
	return queue.NewTopology(channels...)
}

// channelQueues builds the sub-queue list for a channel. QUEUES_<CHANNEL>
// overrides the <channel><level> naming scheme.
func channelQueues(name string, levels int) ChannelQueues {
	if raw := os.Getenv("QUEUES_" + envName(name)); raw != "" {
		return ChannelQueues{Name: name, SubQueues: splitList(raw)}
	}
	queues := make([]string, 0, levels)
	for level := 1; level <= levels; level++ {
		queues = append(queues, queue.SubQueueName(name, level))
	}
	return ChannelQueues{Name: name, SubQueues: queues}
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envName(channel string) string {
	return strings.ToUpper(strings.ReplaceAll(channel, "-", "_"))
}
