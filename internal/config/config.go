package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	MongoDB  MongoDBConfig
	JWT      JWTConfig
	Mpesa    MpesaConfig
	Poll     PollConfig
	Sweeper  SweeperConfig
	Monitor  MonitorConfig
	SMS      SMSConfig
	Admin    AdminConfig
	LogLevel string
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	AllowedHosts []string
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// JWTConfig holds JWT-specific configuration
type JWTConfig struct {
	Secret    string
	ExpiresIn int
}

// MpesaConfig holds Daraja API credentials and endpoints
type MpesaConfig struct {
	ConsumerKey        string
	ConsumerSecret     string
	Environment        string // "sandbox" or "production"
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackURL        string
	HTTPTimeout        time.Duration
}

// PollConfig bounds the opportunistic provider query on the status endpoint
type PollConfig struct {
	MinQueryInterval time.Duration
}

// SweeperConfig holds reconciliation sweeper configuration
type SweeperConfig struct {
	Interval           time.Duration
	PendingTimeout     time.Duration
	MaxQueryFailures   int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// MonitorConfig holds health monitor configuration
type MonitorConfig struct {
	Interval         time.Duration
	FailureWindow    time.Duration
	FailureWarnCount int64
	FailureErrCount  int64
	AlertMSISDN      string
}

// SMSConfig holds the SMS alert gateway configuration
type SMSConfig struct {
	BaseURL string
	APIKey  string
	MockSMS bool
}

// AdminConfig holds the admin login credential (bcrypt hash, set at deploy time)
type AdminConfig struct {
	Email        string
	PasswordHash string
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file is not found, we'll use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Unmarshal configuration
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	viper.SetDefault("Server.Port", "4000")
	viper.SetDefault("Server.AllowedHosts", []string{"localhost:3000"})
	viper.SetDefault("MongoDB.URI", "mongodb://localhost:27017")
	viper.SetDefault("MongoDB.Database", "mpesa-kenya")
	viper.SetDefault("JWT.ExpiresIn", 24*60*60) // 24 hours
	viper.SetDefault("LogLevel", "info")
	viper.SetDefault("Mpesa.Environment", "sandbox")
	viper.SetDefault("Mpesa.HTTPTimeout", 30*time.Second)
	viper.SetDefault("Poll.MinQueryInterval", 5*time.Second)
	viper.SetDefault("Sweeper.Interval", 5*time.Minute)
	viper.SetDefault("Sweeper.PendingTimeout", 15*time.Minute)
	viper.SetDefault("Sweeper.MaxQueryFailures", 3)
	viper.SetDefault("Sweeper.CompletedRetention", 90*24*time.Hour)
	viper.SetDefault("Sweeper.FailedRetention", 30*24*time.Hour)
	viper.SetDefault("Monitor.Interval", 5*time.Minute)
	viper.SetDefault("Monitor.FailureWindow", time.Hour)
	viper.SetDefault("Monitor.FailureWarnCount", 1)
	viper.SetDefault("Monitor.FailureErrCount", 10)
	viper.SetDefault("SMS.MockSMS", true)
}
