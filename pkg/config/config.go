package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingCredentials is returned when live trading is requested without API keys.
var ErrMissingCredentials = errors.New("config: BINANCE_API_KEY and BINANCE_API_SECRET are required for live trading")

// Config holds environment-driven settings for the trend engine.
type Config struct {
	Port string

	// Binance USDT-M futures
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Execution
	DryRun         bool
	UseMockFeed    bool
	MockStartPrice float64

	// Storage
	DBPath          string
	InstrumentsFile string
	Symbols         []string // optional allow-list over the instruments file

	// Logging
	LogLevel  string
	LogFormat string

	// Operator API auth
	JWTSecret            string
	OperatorPasswordHash string

	// Timing
	PriceTTL                 time.Duration
	TickInterval             time.Duration
	ReconcileInterval        time.Duration
	BreakevenRefreshInterval time.Duration
	StateSaveInterval        time.Duration
	StreamReconnectDelay     time.Duration
	ListenKeyKeepAlive       time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		BinanceTestnet:           getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:            os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:         os.Getenv("BINANCE_API_SECRET"),
		DryRun:                   getEnv("DRY_RUN", "false") == "true",
		UseMockFeed:              getEnv("USE_MOCK_FEED", "false") == "true",
		MockStartPrice:           getEnvFloat("MOCK_START_PRICE", 100),
		DBPath:                   getEnv("DB_PATH", "./data/trend.db"),
		InstrumentsFile:          getEnv("INSTRUMENTS_FILE", "./instruments.yaml"),
		Symbols:                  splitAndTrim(strings.ToUpper(getEnv("SYMBOLS", ""))),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret"),
		OperatorPasswordHash:     os.Getenv("OPERATOR_PASSWORD_HASH"),
		PriceTTL:                 getEnvDuration("PRICE_TTL", 10*time.Second),
		TickInterval:             getEnvDuration("TICK_INTERVAL", time.Second),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		BreakevenRefreshInterval: getEnvDuration("BREAKEVEN_REFRESH_INTERVAL", 5*time.Minute),
		StateSaveInterval:        getEnvDuration("STATE_SAVE_INTERVAL", 5*time.Minute),
		StreamReconnectDelay:     getEnvDuration("STREAM_RECONNECT_DELAY", 5*time.Second),
		ListenKeyKeepAlive:       getEnvDuration("LISTEN_KEY_KEEPALIVE", 30*time.Minute),
	}

	if !cfg.DryRun && (cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "") {
		return nil, ErrMissingCredentials
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
