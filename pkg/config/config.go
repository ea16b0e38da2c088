package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
)

// Config holds the configuration for the verifier service
type Config struct {
	DashboardAPIURL      string
	DashboardSessionID   string
	SessionCheckInterval time.Duration
	DNAProxyURL          string
	DNAProxyRateLimit    float64
	VerificationSchedule []time.Duration
	DefaultNetwork       string
	TreasuryAddress      string
	HTTPTimeout          time.Duration
	LookupCacheTTL       time.Duration
	MetricsPort          string
	MetricsAPIKey        string
	CircuitBreaker       CircuitBreakerConfig
	LoggerConfig         LoggerConfig
	Party                PartyConfig
	Networks             map[string]NetworkConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// PartyConfig holds the mainnet party reservation rules
type PartyConfig struct {
	ReservationAmount float64
	MinWalletBalance  float64
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	dashboardURL, err := GetEnvDashboardAPIURL()
	if err != nil {
		return nil, err
	}

	dnaProxyURL, err := GetEnvDNAProxyURL()
	if err != nil {
		return nil, err
	}

	proxyRate, err := GetEnvRateLimit("DNA_PROXY_RATE_LIMIT", DefaultDNAProxyRateLimit)
	if err != nil {
		return nil, err
	}

	schedule, err := GetEnvVerificationSchedule()
	if err != nil {
		return nil, err
	}

	defaultNetwork := GetEnvDefaultNetwork()

	treasury, err := GetEnvTreasuryAddress()
	if err != nil {
		return nil, err
	}

	httpTimeout, err := GetEnvDuration("HTTP_TIMEOUT", DefaultHTTPTimeout)
	if err != nil {
		return nil, err
	}

	sessionCheck, err := GetEnvDuration("SESSION_CHECK_INTERVAL", DefaultSessionCheckInterval)
	if err != nil {
		return nil, err
	}

	lookupTTL, err := GetEnvDuration("LOOKUP_CACHE_TTL", DefaultLookupCacheTTL)
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	reservationAmount, err := GetEnvPositiveFloat("RESERVATION_AMOUNT", DefaultReservationAmount)
	if err != nil {
		return nil, err
	}

	minWalletBalance, err := GetEnvPositiveFloat("MIN_WALLET_BALANCE", DefaultMinWalletBalance)
	if err != nil {
		return nil, err
	}

	networks, err := LoadNetworks(os.Getenv("NETWORKS_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DashboardAPIURL:      dashboardURL,
		DashboardSessionID:   os.Getenv("DASHBOARD_SESSION_ID"),
		SessionCheckInterval: sessionCheck,
		DNAProxyURL:          dnaProxyURL,
		DNAProxyRateLimit:    proxyRate,
		VerificationSchedule: schedule,
		DefaultNetwork:       defaultNetwork,
		TreasuryAddress:      treasury,
		HTTPTimeout:          httpTimeout,
		LookupCacheTTL:       lookupTTL,
		MetricsPort:          metricsPort,
		MetricsAPIKey:        os.Getenv("METRICS_API_KEY"),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
		Party: PartyConfig{
			ReservationAmount: reservationAmount,
			MinWalletBalance:  minWalletBalance,
		},
		Networks: networks,
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if len(cfg.VerificationSchedule) == 0 {
		return fmt.Errorf("VERIFICATION_SCHEDULE must contain at least one delay")
	}
	if _, ok := cfg.Networks[cfg.DefaultNetwork]; !ok {
		return fmt.Errorf("DEFAULT_NETWORK %q is not defined in the network table", cfg.DefaultNetwork)
	}
	if cfg.Party.MinWalletBalance < cfg.Party.ReservationAmount {
		return fmt.Errorf("MIN_WALLET_BALANCE must be at least RESERVATION_AMOUNT")
	}
	return nil
}

// Network returns the network configuration by name
func (c *Config) Network(name string) (NetworkConfig, bool) {
	n, ok := c.Networks[name]
	return n, ok
}
