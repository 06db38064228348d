package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// IP advertised to clients in connection parameter fields.
	ExternalIP string `mapstructure:"external_ip"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Database struct {
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for the server.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	// Titles lists the game titles this instance serves. Each title gets its
	// own pair of listeners, one per protocol.
	Titles []TitleConfig `mapstructure:"titles"`

	Join struct {
		// Number of readiness polls a joiner performs before giving up on a
		// host, and the delay between polls. The legacy clients were tuned
		// against 15 x 1s; override these only in tests.
		Attempts        int `mapstructure:"attempts"`
		IntervalSeconds int `mapstructure:"interval_seconds"`
	} `mapstructure:"join"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log decoded packets to the server log.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

// TitleConfig is the listener configuration for one legacy game title.
type TitleConfig struct {
	// Name is a human readable identifier used in logs ("BFBC2-PS3").
	Name string `mapstructure:"name"`
	// Partition is the client string identifying the game+platform
	// combination; sessions from different partitions never interact.
	Partition string `mapstructure:"partition"`
	// AccountPort is the listening port for the account/presence protocol.
	AccountPort int `mapstructure:"account_port"`
	// TheaterPort is the listening port for the game hosting protocol.
	TheaterPort int `mapstructure:"theater_port"`
}

const envVarPrefix = "PLASMA"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if isConfigNotFound(err) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	config.ApplyDefaults()
	return config
}

// isConfigNotFound reports whether err is viper's missing-config-file error,
// which gets a friendlier message than a parse failure.
func isConfigNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

// ApplyDefaults fills in the defaults for any unset options that must not be
// zero valued.
func (c *Config) ApplyDefaults() {
	if c.Join.Attempts == 0 {
		c.Join.Attempts = 15
	}
	if c.Join.IntervalSeconds == 0 {
		c.Join.IntervalSeconds = 1
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 3000
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "info"
	}
}

// JoinWaitInterval returns the delay between two readiness polls.
func (c *Config) JoinWaitInterval() time.Duration {
	return time.Duration(c.Join.IntervalSeconds) * time.Second
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// AdvertisedHost returns the address handed to clients that need to reach
// this server from the outside.
func (c *Config) AdvertisedHost() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	return c.Hostname
}
