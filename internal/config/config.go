package config

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	// Dispense requests also draw from a stricter per-client bucket.
	DispenseRateLimitRPS   float64 `mapstructure:"DISPENSE_RATE_LIMIT_RPS"`
	DispenseRateLimitBurst int     `mapstructure:"DISPENSE_RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	PatientCodePattern string `mapstructure:"PATIENT_CODE_PATTERN"`

	StoreDriver     string `mapstructure:"STORE_DRIVER"`
	SeedFile        string `mapstructure:"SEED_FILE"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDatabase   string `mapstructure:"MONGO_DATABASE"`
	MongoCollection string `mapstructure:"MONGO_COLLECTION"`
	SQLitePath      string `mapstructure:"SQLITE_PATH"`

	SlotMapPreset string `mapstructure:"SLOT_MAP_PRESET"`
	SlotMapFile   string `mapstructure:"SLOT_MAP_FILE"`

	DeviceMode         string        `mapstructure:"DEVICE_MODE"`
	SerialPort         string        `mapstructure:"SERIAL_PORT"`
	SerialBaud         int           `mapstructure:"SERIAL_BAUD"`
	SerialReadTimeout  time.Duration `mapstructure:"SERIAL_READ_TIMEOUT"`
	DeviceBootDelay    time.Duration `mapstructure:"DEVICE_BOOT_DELAY"`
	DevicePollInterval time.Duration `mapstructure:"DEVICE_POLL_INTERVAL"`
	DeviceWaitTimeout  time.Duration `mapstructure:"DEVICE_WAIT_TIMEOUT"`
	DeviceSettleDelay  time.Duration `mapstructure:"DEVICE_SETTLE_DELAY"`
	DeviceQueueDepth   int           `mapstructure:"DEVICE_QUEUE_DEPTH"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreSQLite   = "sqlite"
)

// Device modes.
const (
	DeviceAuto     = "auto"
	DeviceSerial   = "serial"
	DeviceDegraded = "degraded"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("DISPENSE_RATE_LIMIT_RPS", 0.2)
	v.SetDefault("DISPENSE_RATE_LIMIT_BURST", 2)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("PATIENT_CODE_PATTERN", `^[A-Za-z0-9]{7}$`)
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MONGO_DATABASE", "pillDispenser")
	v.SetDefault("MONGO_COLLECTION", "prescriptions")
	v.SetDefault("SQLITE_PATH", "data/prescriptions.db")
	v.SetDefault("SLOT_MAP_PRESET", "numeric")
	v.SetDefault("DEVICE_MODE", DeviceAuto)
	v.SetDefault("SERIAL_PORT", "/dev/ttyUSB0")
	v.SetDefault("SERIAL_BAUD", 9600)
	v.SetDefault("SERIAL_READ_TIMEOUT", "1s")
	v.SetDefault("DEVICE_BOOT_DELAY", "2s")
	v.SetDefault("DEVICE_POLL_INTERVAL", "100ms")
	v.SetDefault("DEVICE_WAIT_TIMEOUT", "30s")
	v.SetDefault("DEVICE_SETTLE_DELAY", "5s")
	v.SetDefault("DEVICE_QUEUE_DEPTH", 16)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"DISPENSE_RATE_LIMIT_RPS", "DISPENSE_RATE_LIMIT_BURST",
		"BODY_LIMIT", "REQUEST_TIMEOUT", "PATIENT_CODE_PATTERN",
		"STORE_DRIVER", "SEED_FILE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"MONGO_URI", "MONGO_DATABASE", "MONGO_COLLECTION", "SQLITE_PATH",
		"SLOT_MAP_PRESET", "SLOT_MAP_FILE",
		"DEVICE_MODE", "SERIAL_PORT", "SERIAL_BAUD", "SERIAL_READ_TIMEOUT",
		"DEVICE_BOOT_DELAY", "DEVICE_POLL_INTERVAL", "DEVICE_WAIT_TIMEOUT",
		"DEVICE_SETTLE_DELAY", "DEVICE_QUEUE_DEPTH",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() && cfg.DeviceMode == DeviceAuto {
		log.Println("WARNING: DEVICE_MODE=auto; if the serial port cannot be opened the server")
		log.Println("WARNING: falls back to a degraded session that dispenses nothing.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks cross-field constraints that Load cannot express as defaults.
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.PatientCodePattern); err != nil {
		return fmt.Errorf("PATIENT_CODE_PATTERN is not a valid regular expression: %w", err)
	}
	if c.DispenseRateLimitRPS < 0 || c.DispenseRateLimitBurst < 0 {
		return fmt.Errorf("DISPENSE_RATE_LIMIT_RPS and DISPENSE_RATE_LIMIT_BURST must be >= 0")
	}

	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER is %q", StoreMongo)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, mongo, sqlite, got %q", c.StoreDriver)
	}

	switch c.DeviceMode {
	case DeviceAuto, DeviceSerial, DeviceDegraded:
	default:
		return fmt.Errorf("DEVICE_MODE must be \"auto\", \"serial\", or \"degraded\", got %q", c.DeviceMode)
	}
	if c.DeviceMode != DeviceDegraded && c.SerialPort == "" {
		return fmt.Errorf("SERIAL_PORT is required when DEVICE_MODE is %q", c.DeviceMode)
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("SERIAL_BAUD must be positive, got %d", c.SerialBaud)
	}
	if c.DevicePollInterval <= 0 || c.DeviceWaitTimeout <= 0 {
		return fmt.Errorf("DEVICE_POLL_INTERVAL and DEVICE_WAIT_TIMEOUT must be positive")
	}
	if c.DevicePollInterval > c.DeviceWaitTimeout {
		return fmt.Errorf("DEVICE_POLL_INTERVAL (%s) must not exceed DEVICE_WAIT_TIMEOUT (%s)",
			c.DevicePollInterval, c.DeviceWaitTimeout)
	}
	if c.DeviceSettleDelay < 0 || c.SerialReadTimeout <= 0 {
		return fmt.Errorf("DEVICE_SETTLE_DELAY must be >= 0 and SERIAL_READ_TIMEOUT > 0")
	}
	if c.DeviceQueueDepth < 0 {
		return fmt.Errorf("DEVICE_QUEUE_DEPTH must be >= 0, got %d", c.DeviceQueueDepth)
	}

	// A request must outlive the longest dispense, otherwise the caller sees
	// a timeout for a command the device is still acknowledging.
	if minimum := c.MaxDispenseDuration() + 5*time.Second; c.RequestTimeout < minimum {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must be at least %s (wait + settle + 5s)", c.RequestTimeout, minimum)
	}

	return nil
}

// CodePattern returns PATIENT_CODE_PATTERN anchored at both ends, so a
// pattern written without ^ and $ still matches whole codes only.
func (c *Config) CodePattern() string {
	return `^(?:` + c.PatientCodePattern + `)$`
}

// MaxDispenseDuration is the upper bound a caller can spend blocked on the
// device once its job reaches the head of the queue, excluding drain reads.
func (c *Config) MaxDispenseDuration() time.Duration {
	return c.DeviceWaitTimeout + c.DeviceSettleDelay
}
