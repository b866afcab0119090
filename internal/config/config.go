// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement timers
	EscrowHold          time.Duration // How long funds stay in escrow before scheduled release
	ReleaseSweepEvery   time.Duration // Escrow release sweep interval
	AgentResponseSLA    time.Duration // Window for the agent to respond to a dispute
	CaseExpiry          time.Duration // Overall case deadline before closed_expired
	ExpirySweepEvery    time.Duration // Case expiry sweep interval
	OutboxDispatchEvery time.Duration // Outbox publish interval

	// External collaborators
	BookingServiceURL string        // Catalog service base URL (empty = static dev lookup)
	BookingServiceKey string        // Bearer key for the catalog service
	BookingTimeout    time.Duration // Per-call booking lookup timeout
	StripeAPIKey      string        // Card-network processor key (empty = fake processor)

	// Events
	WebhookEndpoints []string // Subscriber endpoints for domain events
	WebhookSecret    string   // HMAC secret for signing outbound events

	// Security
	ReceiptHMACSecret string // HMAC secret for signing settlement receipts
	AdminBootstrapKey string // First admin API key (hashed at startup if set)
	AllowedOrigins    []string
	RateLimitPerMin   int

	// Tracing
	OTLPEndpoint string  // OTLP gRPC collector endpoint (empty = tracing disabled)
	TraceRatio   float64 // Sampling ratio
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultEscrowHold       = 7 * 24 * time.Hour
	DefaultAgentResponseSLA = 72 * time.Hour
	DefaultCaseExpiry       = 30 * 24 * time.Hour
	DefaultSweepInterval    = time.Minute
	DefaultBookingTimeout   = 5 * time.Second
	DefaultRateLimit        = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("TRAILPAY_ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowHold:          getEnvDuration("TRAILPAY_ESCROW_HOLD", DefaultEscrowHold),
		ReleaseSweepEvery:   getEnvDuration("TRAILPAY_RELEASE_SWEEP", DefaultSweepInterval),
		AgentResponseSLA:    getEnvDuration("TRAILPAY_AGENT_RESPONSE_SLA", DefaultAgentResponseSLA),
		CaseExpiry:          getEnvDuration("TRAILPAY_CASE_EXPIRY", DefaultCaseExpiry),
		ExpirySweepEvery:    getEnvDuration("TRAILPAY_EXPIRY_SWEEP", DefaultSweepInterval),
		OutboxDispatchEvery: getEnvDuration("TRAILPAY_OUTBOX_DISPATCH", 5*time.Second),
		BookingServiceURL:   os.Getenv("BOOKING_SERVICE_URL"),
		BookingServiceKey:   os.Getenv("BOOKING_SERVICE_KEY"),
		BookingTimeout:      getEnvDuration("BOOKING_TIMEOUT", DefaultBookingTimeout),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		WebhookEndpoints:    splitList(os.Getenv("WEBHOOK_ENDPOINTS")),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		ReceiptHMACSecret:   os.Getenv("RECEIPT_HMAC_SECRET"),
		AdminBootstrapKey:   os.Getenv("ADMIN_BOOTSTRAP_KEY"),
		AllowedOrigins:      splitList(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitPerMin:     int(getEnvInt64("RATE_LIMIT_PER_MIN", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		TraceRatio:          getEnvFloat("TRACE_RATIO", 0.1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowHold <= 0 {
		return fmt.Errorf("TRAILPAY_ESCROW_HOLD must be positive")
	}
	if c.AgentResponseSLA <= 0 {
		return fmt.Errorf("TRAILPAY_AGENT_RESPONSE_SLA must be positive")
	}
	if c.CaseExpiry <= c.AgentResponseSLA {
		return fmt.Errorf("TRAILPAY_CASE_EXPIRY must exceed the agent response SLA")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.WebhookSecret == "" && len(c.WebhookEndpoints) > 0 {
			return fmt.Errorf("WEBHOOK_SECRET is required when webhook endpoints are configured")
		}
		if c.ReceiptHMACSecret == "" {
			return fmt.Errorf("RECEIPT_HMAC_SECRET is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
