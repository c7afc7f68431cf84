package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/jogardn/chainfood/internal/content"
	"github.com/jogardn/chainfood/pkg/models"
)

type Config struct {
	Ledger  LedgerConfig
	DB      DBConfig
	Kafka   KafkaConfig
	Redis   RedisConfig
	Content ContentConfig
	Stats   StatsConfig
	Client  ClientConfig
}

type LedgerConfig struct {
	Port           string
	CORSOrigin     string
	Journal        string
	Admin          models.Address
	PlatformWallet models.Address
	InlineStats    bool
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type KafkaConfig struct {
	Brokers     string
	ReplayDelay time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	TTL      time.Duration
}

type ContentConfig struct {
	PinataJWT      string
	PinataAPIKey   string
	PinataSecret   string
	Gateways       []string
	GatewayTimeout time.Duration
}

type StatsConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ClientConfig is used by processes that talk to a remote ledger node.
type ClientConfig struct {
	LedgerURL   string
	Sender      models.Address
	SettleDelay time.Duration
}

// Load reads the environment, after merging an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Ledger: LedgerConfig{
			Port:           getEnv("LEDGER_PORT", "8545"),
			CORSOrigin:     getEnv("CORS_ORIGIN", "*"),
			Journal:        getEnv("JOURNAL_DRIVER", "postgres"),
			Admin:          models.NewAddress(getEnv("ADMIN_ADDRESS", "")),
			PlatformWallet: models.NewAddress(getEnv("PLATFORM_WALLET", "")),
		},
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "chainfood"),
			Password: getEnv("DB_PASSWORD", "chainfood"),
			Name:     getEnv("DB_NAME", "ledger"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnv("KAFKA_BROKERS", "localhost:9092"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Content: ContentConfig{
			PinataJWT:    getEnv("PINATA_JWT", ""),
			PinataAPIKey: getEnv("PINATA_API_KEY", ""),
			PinataSecret: getEnv("PINATA_SECRET", ""),
		},
		Client: ClientConfig{
			LedgerURL: getEnv("LEDGER_URL", "http://localhost:8545"),
			Sender:    models.NewAddress(getEnv("SENDER_ADDRESS", "")),
		},
	}

	var err error
	if cfg.Ledger.InlineStats, err = getBool("INLINE_STATS", true); err != nil {
		return nil, err
	}
	if cfg.Redis.TTL, err = getDuration("CONTENT_CACHE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Content.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", content.DefaultGatewayTimeout); err != nil {
		return nil, err
	}
	if cfg.Stats.Interval, err = getDuration("STATS_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Stats.BatchSize, err = getInt("STATS_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.Kafka.ReplayDelay, err = getDuration("DLQ_REPLAY_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Client.SettleDelay, err = getDuration("SETTLE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}

	cfg.Content.Gateways = content.DefaultGateways
	if raw := getEnv("IPFS_GATEWAYS", ""); raw != "" {
		cfg.Content.Gateways = nil
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.Content.Gateways = append(cfg.Content.Gateways, g)
			}
		}
	}

	switch cfg.Ledger.Journal {
	case "postgres", "memory":
	default:
		return nil, fmt.Errorf("JOURNAL_DRIVER must be postgres or memory, got %q", cfg.Ledger.Journal)
	}
	if cfg.Stats.BatchSize <= 0 {
		return nil, fmt.Errorf("STATS_BATCH_SIZE must be positive, got %d", cfg.Stats.BatchSize)
	}

	return cfg, nil
}

// Validate checks the settings only the ledger node needs. Both addresses
// are required: fees are credited to PlatformWallet and Admin gates role
// revocation.
func (c LedgerConfig) Validate() error {
	if _, err := models.ParseAddress(string(c.PlatformWallet)); err != nil {
		return fmt.Errorf("invalid PLATFORM_WALLET: %w", err)
	}
	if _, err := models.ParseAddress(string(c.Admin)); err != nil {
		return fmt.Errorf("invalid ADMIN_ADDRESS: %w", err)
	}
	return nil
}

// Validate checks the settings of a process that signs calls against a
// remote ledger node.
func (c ClientConfig) Validate() error {
	if _, err := models.ParseAddress(string(c.Sender)); err != nil {
		return fmt.Errorf("invalid SENDER_ADDRESS: %w", err)
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return b, nil
}
