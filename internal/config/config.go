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
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payment engine.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	JWTSecret                   string `mapstructure:"JWT_SECRET"`
	ConfirmationTokenSecret     string `mapstructure:"CONFIRMATION_TOKEN_SECRET"`
	ConfirmationTokenTTLHours   int    `mapstructure:"CONFIRMATION_TOKEN_TTL_HOURS"`
	IdempotencyTTLHours         int    `mapstructure:"IDEMPOTENCY_TTL_HOURS"`
	TransferExpirySweepSchedule string `mapstructure:"TRANSFER_EXPIRY_SWEEP_SCHEDULE"`
	WebhookSecrets              string `mapstructure:"WEBHOOK_SECRETS"`
	DepositFeeMinor             int64  `mapstructure:"DEPOSIT_FEE_MINOR"`
	LedgerCurrency              string `mapstructure:"LEDGER_CURRENCY"`
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
	viper.SetDefault("CONFIRMATION_TOKEN_TTL_HOURS", 24)
	viper.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	viper.SetDefault("TRANSFER_EXPIRY_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("DEPOSIT_FEE_MINOR", 0)
	viper.SetDefault("LEDGER_CURRENCY", "USD")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CONFIRMATION_TOKEN_SECRET")
	_ = viper.BindEnv("CONFIRMATION_TOKEN_TTL_HOURS")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_HOURS")
	_ = viper.BindEnv("TRANSFER_EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_SECRETS")
	_ = viper.BindEnv("DEPOSIT_FEE_MINOR")
	_ = viper.BindEnv("LEDGER_CURRENCY")

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
	config.LedgerCurrency = strings.ToUpper(strings.TrimSpace(config.LedgerCurrency))
	if config.LedgerCurrency == "" {
		config.LedgerCurrency = "USD"
	}
	if config.ConfirmationTokenTTLHours <= 0 {
		config.ConfirmationTokenTTLHours = 24
	}
	if config.IdempotencyTTLHours <= 0 {
		config.IdempotencyTTLHours = 24
	}
	if strings.TrimSpace(config.TransferExpirySweepSchedule) == "" {
		config.TransferExpirySweepSchedule = "@every 5m"
	}
	if config.DepositFeeMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative deposit fee configured; coercing to zero\" fee_minor=%d", config.DepositFeeMinor)
		config.DepositFeeMinor = 0
	}

	return
}

// ParseWebhookSecrets splits the WEBHOOK_SECRETS value into a map of
// provider code to shared secret. The format is
// "provider:secret,provider:secret". Malformed entries are skipped with a
// warning rather than failing startup.
func ParseWebhookSecrets(raw string) map[string]string {
	secrets := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, secret, found := strings.Cut(pair, ":")
		code = strings.TrimSpace(code)
		secret = strings.TrimSpace(secret)
		if !found || code == "" || secret == "" {
			log.Printf("level=warn component=config msg=\"skipping malformed webhook secret entry\" entry=%q", pair)
			continue
		}
		secrets[code] = secret
	}
	return secrets
}
