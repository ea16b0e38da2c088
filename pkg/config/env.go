package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cpunk-club/cpunk-verifier/pkg/cellframe"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
)

const (
	// DefaultDashboardAPIURL is the local wallet dashboard exposed by the Cellframe node
	DefaultDashboardAPIURL = "http://localhost:8045/"

	// DefaultDNAProxyURL is the DNA proxy used for lookups, writes and tx validation
	DefaultDNAProxyURL = "https://cpunk.club/dna-proxy.php"

	// DefaultDNAProxyRateLimit caps requests per second to the public DNA proxy
	DefaultDNAProxyRateLimit = 5.0

	// DefaultVerificationSchedule is the wait before each verification check, in seconds.
	// First check at 15s, second at 60s, then every minute up to ten checks.
	DefaultVerificationSchedule = "15,45,60,60,60,60,60,60,60,60"

	// DefaultNetwork is the network DNA payments are made on
	DefaultNetwork = "Backbone"

	// DefaultTreasuryAddress receives DNA registration and party reservation payments
	DefaultTreasuryAddress = "Rj7J7MiX2bWy8sNyZcoLqkZuNznvU4KbK6RHgqrGj9iqwKPhoVKE1xNrEMmgtVsnyTZtFhftMPAJbaswuSLp7UeBS7jiRmE5uvuUJaKA"

	// DefaultHTTPTimeout bounds every request to the dashboard and the DNA proxy
	DefaultHTTPTimeout = 10 * time.Second

	// DefaultSessionCheckInterval is how often the dashboard session is checked and reopened
	DefaultSessionCheckInterval = 5 * time.Minute

	// DefaultLookupCacheTTL defines how long DNA lookups are cached
	DefaultLookupCacheTTL = time.Minute

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 30 * time.Second

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 60 * time.Second

	// DefaultLogLevel defines the default log level
	DefaultLogLevel = "info"

	// DefaultReservationAmount is the CPUNK paid for a mainnet party reservation
	DefaultReservationAmount = 1000000

	// DefaultMinWalletBalance is the CPUNK a wallet must hold to reserve a spot
	DefaultMinWalletBalance = 1000000
)

// GetEnvDashboardAPIURL returns the wallet dashboard URL from environment variables
func GetEnvDashboardAPIURL() (string, error) {
	return getEnvURL("DASHBOARD_API_URL", DefaultDashboardAPIURL)
}

// GetEnvDNAProxyURL returns the DNA proxy URL from environment variables
func GetEnvDNAProxyURL() (string, error) {
	return getEnvURL("DNA_PROXY_URL", DefaultDNAProxyURL)
}

func getEnvURL(key, def string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(value); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid URL", key, value)
	}
	return value, nil
}

// GetEnvVerificationSchedule returns the verification schedule from environment variables
func GetEnvVerificationSchedule() ([]time.Duration, error) {
	schedule := os.Getenv("VERIFICATION_SCHEDULE")
	if schedule == "" {
		schedule = DefaultVerificationSchedule
	}
	return ParseSchedule(schedule)
}

// ParseSchedule parses a comma separated list of waits. Bare integers are seconds,
// anything else must be a Go duration string ("90s", "1m30s").
func ParseSchedule(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var d time.Duration
		if seconds, err := strconv.Atoi(part); err == nil {
			d = time.Duration(seconds) * time.Second
		} else {
			parsed, err := time.ParseDuration(part)
			if err != nil {
				return nil, fmt.Errorf("invalid VERIFICATION_SCHEDULE entry: %s, must be seconds or a duration", part)
			}
			d = parsed
		}

		if d <= 0 {
			return nil, fmt.Errorf("VERIFICATION_SCHEDULE entries must be greater than 0, got %s", part)
		}
		schedule = append(schedule, d)
	}

	if len(schedule) == 0 {
		return nil, fmt.Errorf("VERIFICATION_SCHEDULE must contain at least one delay")
	}
	return schedule, nil
}

// GetEnvDefaultNetwork returns the default network from environment variables
func GetEnvDefaultNetwork() string {
	network := os.Getenv("DEFAULT_NETWORK")
	if network == "" {
		return DefaultNetwork
	}
	return network
}

// GetEnvTreasuryAddress returns the treasury wallet from environment variables
func GetEnvTreasuryAddress() (string, error) {
	treasury := os.Getenv("TREASURY_ADDRESS")
	if treasury == "" {
		return DefaultTreasuryAddress, nil
	}

	// Validate Cellframe address format
	if err := cellframe.ValidateAddress(treasury); err != nil {
		return "", fmt.Errorf("invalid TREASURY_ADDRESS value: %v", err)
	}
	return strings.TrimSpace(treasury), nil
}

// GetEnvDuration reads a Go duration string from key, falling back to def
func GetEnvDuration(key string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", key, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return parsed, nil
}

// GetEnvPositiveFloat reads a positive number from key, falling back to def
func GetEnvPositiveFloat(key string, def float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", key, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return parsed, nil
}

// GetEnvRateLimit reads a requests-per-second limit from key. Zero disables limiting.
func GetEnvRateLimit(key string, def float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", key, value)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return parsed, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	enabled := os.Getenv("CIRCUIT_BREAKER_ENABLED")
	if enabled == "" {
		return DefaultCircuitBreakerEnabled, nil
	}

	if enabled == "true" {
		return true, nil
	} else if enabled == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid CIRCUIT_BREAKER_ENABLED value: %s, must be 'true' or 'false'", enabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultCircuitBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = DefaultLogLevel
	}

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log coloring is enabled from environment variables
func GetEnvLogColoring() (bool, error) {
	coloring := os.Getenv("LOG_COLORING")
	switch coloring {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid LOG_COLORING value: %s, must be 'true' or 'false'", coloring)
}
