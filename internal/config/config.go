/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the bank-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	GovernanceFeeQueue   string `mapstructure:"GOVERNANCE_FEE_QUEUE"`
	GovernanceExchange   string `mapstructure:"GOVERNANCE_EXCHANGE"`

	OracleBaseURL      string `mapstructure:"ORACLE_BASE_URL"`
	OracleAPIKey       string `mapstructure:"ORACLE_API_KEY"`
	TokenServiceURL    string `mapstructure:"TOKEN_SERVICE_URL"`
	TokenServiceAPIKey string `mapstructure:"TOKEN_SERVICE_INTERNAL_API_KEY"`
	ReputationURL      string `mapstructure:"REPUTATION_SERVICE_URL"`
	ReputationAPIKey   string `mapstructure:"REPUTATION_SERVICE_INTERNAL_API_KEY"`

	JWKSURL          string `mapstructure:"JWKS_URL"`
	JWTAudience      string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer        string `mapstructure:"JWT_ISSUER"`
	CommunityAPIKey  string `mapstructure:"COMMUNITY_SERVICE_API_KEY"`
	GovernanceAPIKey string `mapstructure:"GOVERNANCE_SERVICE_API_KEY"`
	AdminAPIKey      string `mapstructure:"ADMIN_API_KEY"`

	// GuarantorFeeNative is the fixed deal guarantor fee in native base units
	// (base-10 string; converted through the oracle at deal creation).
	GuarantorFeeNative string `mapstructure:"GUARANTOR_FEE_NATIVE"`

	DealCreateRateLimitPerMinute  int `mapstructure:"DEAL_CREATE_RATE_LIMIT_PER_MINUTE"`
	DealDetailsRateLimitPerMinute int `mapstructure:"DEAL_DETAILS_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "bank:rate_limit")
	viper.SetDefault("GOVERNANCE_FEE_QUEUE", "bank_service.governance_fee_updates")
	viper.SetDefault("GOVERNANCE_EXCHANGE", "governance.events")
	viper.SetDefault("GUARANTOR_FEE_NATIVE", "0")
	viper.SetDefault("DEAL_CREATE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("DEAL_DETAILS_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BANK_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GOVERNANCE_FEE_QUEUE")
	_ = viper.BindEnv("GOVERNANCE_EXCHANGE")
	_ = viper.BindEnv("ORACLE_BASE_URL")
	_ = viper.BindEnv("ORACLE_API_KEY")
	_ = viper.BindEnv("TOKEN_SERVICE_URL")
	_ = viper.BindEnv("TOKEN_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REPUTATION_SERVICE_URL")
	_ = viper.BindEnv("REPUTATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("COMMUNITY_SERVICE_API_KEY")
	_ = viper.BindEnv("GOVERNANCE_SERVICE_API_KEY")
	_ = viper.BindEnv("ADMIN_API_KEY")
	_ = viper.BindEnv("GUARANTOR_FEE_NATIVE")
	_ = viper.BindEnv("DEAL_CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DEAL_DETAILS_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "bank:rate_limit"
	}

	config.GuarantorFeeNative = strings.TrimSpace(config.GuarantorFeeNative)
	if config.GuarantorFeeNative == "" {
		config.GuarantorFeeNative = "0"
	}
	if _, ok := new(big.Int).SetString(config.GuarantorFeeNative, 10); !ok {
		log.Printf("level=warn component=config msg=\"invalid GUARANTOR_FEE_NATIVE; coercing to zero\" value=%q", config.GuarantorFeeNative)
		config.GuarantorFeeNative = "0"
	}

	if config.DealCreateRateLimitPerMinute <= 0 {
		config.DealCreateRateLimitPerMinute = 30
	}
	if config.DealDetailsRateLimitPerMinute <= 0 {
		config.DealDetailsRateLimitPerMinute = 120
	}

	return
}

// GuarantorFee parses the configured native guarantor fee. The value is
// validated at load time, so a parse failure here means the config was
// mutated after LoadConfig.
func (c Config) GuarantorFee() *big.Int {
	fee, ok := new(big.Int).SetString(c.GuarantorFeeNative, 10)
	if !ok || fee.Sign() < 0 {
		return big.NewInt(0)
	}
	return fee
}

// InternalKeyRoles maps the configured service API keys to their capability
// names. An empty key is never mapped.
func (c Config) InternalKeyRoles() map[string]string {
	keys := make(map[string]string, 3)
	if k := strings.TrimSpace(c.CommunityAPIKey); k != "" {
		keys[k] = "community"
	}
	if k := strings.TrimSpace(c.GovernanceAPIKey); k != "" {
		keys[k] = "governance"
	}
	if k := strings.TrimSpace(c.AdminAPIKey); k != "" {
		keys[k] = "admin"
	}
	return keys
}
