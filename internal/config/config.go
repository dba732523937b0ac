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

// Config holds all the configuration variables for the payroll-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisLockPrefix        string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	RunExecuteQueue        string `mapstructure:"RUN_EXECUTE_QUEUE"`
	GitHubAPIBaseURL       string `mapstructure:"GITHUB_API_BASE_URL"`
	GitHubToken            string `mapstructure:"GITHUB_TOKEN"`
	LedgerAPIBaseURL       string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey           string `mapstructure:"LEDGER_API_KEY"`
	PriceFeedProvider      string `mapstructure:"PRICE_FEED_PROVIDER"`
	PriceFeedBaseURL       string `mapstructure:"PRICE_FEED_BASE_URL"`
	IPFSAPIURL             string `mapstructure:"IPFS_API_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	AssetSymbol            string `mapstructure:"ASSET_SYMBOL"`
	AssetDecimals          int    `mapstructure:"ASSET_DECIMALS"`
	ExecutionWorkers       int    `mapstructure:"EXECUTION_WORKERS"`
	MaxRetries             int    `mapstructure:"MAX_RETRIES"`
	RetryDelayMS           int    `mapstructure:"RETRY_DELAY_MS"`
	RetryBackoff           string `mapstructure:"RETRY_BACKOFF"`
	GatewayTimeoutSeconds  int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	RunLockTTLSeconds      int    `mapstructure:"RUN_LOCK_TTL_SECONDS"`
	SubmittedStaleMinutes  int    `mapstructure:"SUBMITTED_STALE_MINUTES"`
	ReconcileCronSpec      string `mapstructure:"RECONCILE_CRON_SPEC"`
	ArtifactRepairCronSpec string `mapstructure:"ARTIFACT_REPAIR_CRON_SPEC"`
	VerifyArtifacts        bool   `mapstructure:"VERIFY_ARTIFACTS"`
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
	viper.SetDefault("REDIS_LOCK_PREFIX", "forgepay:run_lock")
	viper.SetDefault("RUN_EXECUTE_QUEUE", "payroll_service.run_execute")
	viper.SetDefault("GITHUB_API_BASE_URL", "https://api.github.com")
	viper.SetDefault("PRICE_FEED_PROVIDER", "static")
	viper.SetDefault("IPFS_API_URL", "http://localhost:5001")
	viper.SetDefault("ASSET_SYMBOL", "XLM")
	viper.SetDefault("ASSET_DECIMALS", 7)
	viper.SetDefault("EXECUTION_WORKERS", 4)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_DELAY_MS", 500)
	viper.SetDefault("RETRY_BACKOFF", "exponential")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("RUN_LOCK_TTL_SECONDS", 600)
	viper.SetDefault("SUBMITTED_STALE_MINUTES", 15)
	viper.SetDefault("RECONCILE_CRON_SPEC", "*/5 * * * *")
	viper.SetDefault("ARTIFACT_REPAIR_CRON_SPEC", "17 * * * *")
	viper.SetDefault("VERIFY_ARTIFACTS", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYROLL_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RUN_EXECUTE_QUEUE")
	_ = viper.BindEnv("GITHUB_API_BASE_URL")
	_ = viper.BindEnv("GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("PRICE_FEED_PROVIDER")
	_ = viper.BindEnv("PRICE_FEED_BASE_URL")
	_ = viper.BindEnv("IPFS_API_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYROLL_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ASSET_SYMBOL")
	_ = viper.BindEnv("ASSET_DECIMALS")
	_ = viper.BindEnv("EXECUTION_WORKERS")
	_ = viper.BindEnv("MAX_RETRIES")
	_ = viper.BindEnv("RETRY_DELAY_MS")
	_ = viper.BindEnv("RETRY_BACKOFF")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RUN_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("SUBMITTED_STALE_MINUTES")
	_ = viper.BindEnv("RECONCILE_CRON_SPEC")
	_ = viper.BindEnv("ARTIFACT_REPAIR_CRON_SPEC")
	_ = viper.BindEnv("VERIFY_ARTIFACTS")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYROLL_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = "forgepay:run_lock"
	}
	config.AssetSymbol = strings.ToUpper(strings.TrimSpace(config.AssetSymbol))
	if config.AssetSymbol == "" {
		config.AssetSymbol = "XLM"
	}

	if config.AssetDecimals < 0 || config.AssetDecimals > 18 {
		log.Printf("level=warn component=config msg=\"asset decimals out of range; using 7\" asset_decimals=%d", config.AssetDecimals)
		config.AssetDecimals = 7
	}

	// The gateway tolerates at most a small number of concurrent submissions,
	// so the worker pool is clamped to the 1..8 band.
	if config.ExecutionWorkers < 1 {
		log.Printf("level=warn component=config msg=\"execution workers below minimum; using 1\" workers=%d", config.ExecutionWorkers)
		config.ExecutionWorkers = 1
	}
	if config.ExecutionWorkers > 8 {
		log.Printf("level=warn component=config msg=\"execution workers above maximum; capping at 8\" workers=%d", config.ExecutionWorkers)
		config.ExecutionWorkers = 8
	}

	if config.MaxRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative max retries configured; coercing to zero\" max_retries=%d", config.MaxRetries)
		config.MaxRetries = 0
	}
	if config.RetryDelayMS <= 0 {
		config.RetryDelayMS = 500
	}
	config.RetryBackoff = strings.ToLower(strings.TrimSpace(config.RetryBackoff))
	if config.RetryBackoff != "fixed" && config.RetryBackoff != "exponential" {
		log.Printf("level=warn component=config msg=\"unknown retry backoff strategy; using exponential\" strategy=%q", config.RetryBackoff)
		config.RetryBackoff = "exponential"
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 30
	}
	if config.RunLockTTLSeconds <= 0 {
		config.RunLockTTLSeconds = 600
	}
	if config.SubmittedStaleMinutes <= 0 {
		config.SubmittedStaleMinutes = 15
	}
	if strings.TrimSpace(config.ReconcileCronSpec) == "" {
		config.ReconcileCronSpec = "*/5 * * * *"
	}
	if strings.TrimSpace(config.ArtifactRepairCronSpec) == "" {
		config.ArtifactRepairCronSpec = "17 * * * *"
	}

	return
}
