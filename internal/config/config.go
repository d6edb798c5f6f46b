package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	LogLevel       string
	ServiceName    string

	// SessionJWTSecret verifies the HS256 session tokens issued by the
	// main platform. Requests without a valid token are rejected.
	SessionJWTSecret string

	// VaultMasterKey is the base64 or raw master secret the AES-256-GCM
	// vault key is derived from. Must be at least 32 bytes of entropy.
	VaultMasterKey string

	// HMRC application credentials and endpoints. The defaults point at
	// the HMRC sandbox.
	HMRCClientID     string
	HMRCClientSecret string
	HMRCRedirectURI  string
	HMRCBaseURL      string
	HMRCScope        string

	// Vendor identity sent in Gov-Vendor-* fraud prevention headers.
	VendorName       string
	VendorProduct    string
	VendorVersion    string
	VendorLicenseIDs string

	// Connect-initiation rate limit, requests per minute per client IP.
	ConnectRateLimit int

	// Outbound call budget for HMRC requests.
	HMRCTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8085"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ServiceName:      getEnv("SERVICE_NAME", "hmrc-connect"),
		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),
		VaultMasterKey:   getEnv("VAULT_MASTER_KEY", ""),
		HMRCClientID:     getEnv("HMRC_CLIENT_ID", ""),
		HMRCClientSecret: getEnv("HMRC_CLIENT_SECRET", ""),
		HMRCRedirectURI:  getEnv("HMRC_REDIRECT_URI", ""),
		HMRCBaseURL:      getEnv("HMRC_BASE_URL", "https://test-api.service.hmrc.gov.uk"),
		HMRCScope:        getEnv("HMRC_SCOPE", "read:self-assessment write:self-assessment"),
		VendorName:       getEnv("VENDOR_NAME", "ZenRent"),
		VendorProduct:    getEnv("VENDOR_PRODUCT", "TaxModule"),
		VendorVersion:    getEnv("VENDOR_VERSION", "1.0.0"),
		VendorLicenseIDs: getEnv("VENDOR_LICENSE_IDS", ""),
		ConnectRateLimit: getEnvInt("CONNECT_RATE_LIMIT", 30),
		HMRCTimeout:      getEnvDuration("HMRC_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SessionJWTSecret == "" {
		return fmt.Errorf("SESSION_JWT_SECRET is required")
	}
	if len(c.VaultMasterKey) < 32 {
		return fmt.Errorf("VAULT_MASTER_KEY must be at least 32 bytes")
	}
	if c.HMRCClientID == "" || c.HMRCClientSecret == "" {
		return fmt.Errorf("HMRC_CLIENT_ID and HMRC_CLIENT_SECRET are required")
	}
	if c.HMRCRedirectURI == "" {
		return fmt.Errorf("HMRC_REDIRECT_URI is required")
	}
	if c.ConnectRateLimit <= 0 {
		return fmt.Errorf("CONNECT_RATE_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
