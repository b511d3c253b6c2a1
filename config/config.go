package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     string `yaml:"port"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig holds all database configuration
type DatabaseConfig struct {
	Driver         string         `yaml:"driver"`
	MySQL          MySQLConfig    `yaml:"mysql"`
	PostgreSQL     PostgresConfig `yaml:"postgres"`
	SQLite         SQLiteConfig   `yaml:"sqlite"`
	ConnectionPool PoolConfig     `yaml:"connection_pool"`
}

// MySQLConfig holds MySQL specific configuration
type MySQLConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	DBName    string `yaml:"dbname"`
	Charset   string `yaml:"charset"`
	ParseTime bool   `yaml:"parse_time"`
	Loc       string `yaml:"loc"`
}

// PostgresConfig holds PostgreSQL specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	TimeZone string `yaml:"timezone"`
}

// SQLiteConfig holds SQLite specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxIdleConns    int `yaml:"max_idle_conns"`
	MaxOpenConns    int `yaml:"max_open_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime"`
}

// MigrationConfig holds migration specific configuration
type MigrationConfig struct {
	AutoMigrate    bool   `yaml:"auto_migrate"`
	MigrationTable string `yaml:"migration_table"`
	MigrationDir   string `yaml:"migration_dir"`
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	LogFile      string `yaml:"log_file"`
	LogToConsole bool   `yaml:"log_to_console"`
	LogLevel     string `yaml:"log_level"`
}

// PersistenceConfig selects where sensor state is mirrored
type PersistenceConfig struct {
	Backend  string        `yaml:"backend"`
	DataDir  string        `yaml:"data_dir"`
	Interval time.Duration `yaml:"interval"`
}

// StoreConfig holds sensor state store limits
type StoreConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// IngestConfig holds validation policies applied at the ingestion boundary
type IngestConfig struct {
	NegativePolicy string `yaml:"negative_policy"`
	VolumePolicy   string `yaml:"volume_policy"`
}

// ReportsConfig holds report generation defaults
type ReportsConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// AlertsConfig holds the dashboard alert thresholds
type AlertsConfig struct {
	CriticalFlow       float64 `yaml:"critical_flow"`
	WarningAccumulated float64 `yaml:"warning_accumulated"`
}

// MQTTConfig holds the optional MQTT ingestion settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// KafkaConfig holds the optional reading forwarding settings
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

// MongoConfig holds MongoDB settings used by the mongo persistence backend
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Migration   MigrationConfig   `yaml:"migration"`
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Store       StoreConfig       `yaml:"store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Reports     ReportsConfig     `yaml:"reports"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Mongo       MongoConfig       `yaml:"mongo"`
}

// Default returns a configuration usable without any config file:
// in-memory persistence, console logging, port 4000.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from the specified YAML file. A missing file at
// the default path is not an error; defaults and environment overrides apply.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.yaml"
	}

	var config Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "4000"
	}
	if c.Logging.LogFile == "" {
		c.Logging.LogFile = "result.log"
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "info"
	}
	if c.Migration.MigrationTable == "" {
		c.Migration.MigrationTable = "migrations"
	}
	if c.Migration.MigrationDir == "" {
		c.Migration.MigrationDir = "migrations"
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "memory"
	}
	if c.Persistence.DataDir == "" {
		c.Persistence.DataDir = "data"
	}
	if c.Persistence.Interval <= 0 {
		c.Persistence.Interval = 5 * time.Second
	}
	if c.Store.MaxHistory <= 0 {
		c.Store.MaxHistory = 500
	}
	if c.Ingest.NegativePolicy == "" {
		c.Ingest.NegativePolicy = "accept"
	}
	if c.Ingest.VolumePolicy == "" {
		c.Ingest.VolumePolicy = "accept"
	}
	if c.Reports.DefaultThreshold <= 0 {
		c.Reports.DefaultThreshold = 0.012
	}
	if c.Alerts.CriticalFlow <= 0 {
		c.Alerts.CriticalFlow = 12
	}
	if c.Alerts.WarningAccumulated <= 0 {
		c.Alerts.WarningAccumulated = 100
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "sensors/+/data"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "water-monitor"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "sensor-data"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "water_monitor"
	}
}

// applyEnv lets deployment environments override the file settings
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if backend := os.Getenv("PERSISTENCE_BACKEND"); backend != "" {
		c.Persistence.Backend = backend
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = brokers
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.LogLevel = strings.ToLower(level)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %q", c.Server.Port)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Persistence.Backend {
	case "memory", "file":
	case "database":
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unsupported persistence backend: %s", c.Persistence.Backend)
	}

	switch c.Ingest.NegativePolicy {
	case "accept", "clamp", "reject":
	default:
		return fmt.Errorf("unsupported negative policy: %s", c.Ingest.NegativePolicy)
	}
	switch c.Ingest.VolumePolicy {
	case "accept", "flag", "reject":
	default:
		return fmt.Errorf("unsupported volume policy: %s", c.Ingest.VolumePolicy)
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	return nil
}

// ValidateDatabase checks the database section; commands that talk to the
// relational store call it regardless of the persistence backend.
func (c *Config) ValidateDatabase() error {
	return c.validateDatabase()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.MySQL.Host == "" {
			return fmt.Errorf("mysql host is required")
		}
		if c.Database.MySQL.User == "" {
			return fmt.Errorf("mysql user is required")
		}
		if c.Database.MySQL.DBName == "" {
			return fmt.Errorf("mysql database name is required")
		}
	case "postgres":
		if c.Database.PostgreSQL.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Database.PostgreSQL.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.Database.PostgreSQL.DBName == "" {
			return fmt.Errorf("postgres database name is required")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

// Location returns the zone used for calendar-day boundaries
func (c *Config) Location() (*time.Location, error) {
	if c.Server.Timezone == "" || c.Server.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid server timezone %q: %w", c.Server.Timezone, err)
	}
	return loc, nil
}

// GetDSN returns the database connection string based on the configured driver
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "mysql":
		mysql := c.Database.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
			mysql.User, mysql.Password, mysql.Host, mysql.Port, mysql.DBName,
			mysql.Charset, mysql.ParseTime, mysql.Loc)
		return dsn
	case "postgres":
		pg := c.Database.PostgreSQL
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			pg.Host, pg.Port, pg.User, pg.Password, pg.DBName, pg.SSLMode, pg.TimeZone)
		return dsn
	case "sqlite":
		return c.Database.SQLite.Path
	default:
		return ""
	}
}
