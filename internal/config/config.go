package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTCPPort       = 5555
	DefaultMaxFrameBytes = 4 << 20
	DefaultRateLimit     = 200
	DefaultRateBurst     = 400
	DefaultRSAKeyBits    = 2048
	DefaultMySQLPort     = 3306
	DefaultAccessMinutes = 30
	DefaultRefreshDays   = 7
	DefaultMetricsAddr   = ":9090"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultMongoDB       = "towerward"
	DefaultJWTIssuer     = "towerward"
	DefaultJWTAudience   = "towerward-clients"
)

// EnvironmentDevelopment makes handshake misuse panic instead of only logging.
const EnvironmentDevelopment = "development"

// ConfigStruct holds every runtime tunable of the server.
type ConfigStruct struct {
	Environment string

	TCPHost       string
	TCPPort       int
	WSHost        string
	WSPort        int
	MaxFrameBytes int
	IdleTimeout   time.Duration
	RateLimit     float64
	RateBurst     int
	RSAKeyBits    int

	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	MongoURI string
	MongoDB  string

	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
	RefreshTTL     time.Duration

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// TCPAddr is the listen address of the raw socket listener.
func (c *ConfigStruct) TCPAddr() string {
	return c.TCPHost + ":" + strconv.Itoa(c.TCPPort)
}

// WSAddr is the listen address of the WebSocket listener, empty when disabled.
func (c *ConfigStruct) WSAddr() string {
	if c.WSPort == 0 {
		return ""
	}
	return c.WSHost + ":" + strconv.Itoa(c.WSPort)
}

// Development reports whether programming errors should fail loudly.
func (c *ConfigStruct) Development() bool {
	return strings.EqualFold(c.Environment, EnvironmentDevelopment)
}

// Load reads .env (when present) and the process environment, returning every invalid
// override in a single error.
func Load() (*ConfigStruct, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found or could not be loaded")
	}

	var problems []string

	toInt := func(envVar string, defaultVal int, min int) int {
		valStr := strings.TrimSpace(os.Getenv(envVar))
		if valStr == "" {
			return defaultVal
		}
		val, err := strconv.Atoi(valStr)
		if err != nil || val < min {
			problems = append(problems, fmt.Sprintf("%s must be an integer >= %d, got %q", envVar, min, valStr))
			return defaultVal
		}
		return val
	}

	toDuration := func(envVar string, defaultVal time.Duration) time.Duration {
		valStr := strings.TrimSpace(os.Getenv(envVar))
		if valStr == "" {
			return defaultVal
		}
		val, err := time.ParseDuration(valStr)
		if err != nil || val < 0 {
			problems = append(problems, fmt.Sprintf("%s must be a non-negative duration, got %q", envVar, valStr))
			return defaultVal
		}
		return val
	}

	cfg := &ConfigStruct{
		Environment: getString("APP_ENV", "production"),

		TCPHost:       strings.TrimSpace(os.Getenv("TCP_HOST")),
		TCPPort:       toInt("TCP_PORT", DefaultTCPPort, 1),
		WSHost:        strings.TrimSpace(os.Getenv("WS_HOST")),
		WSPort:        toInt("WS_PORT", 0, 0),
		MaxFrameBytes: toInt("FRAME_MAX_BYTES", DefaultMaxFrameBytes, 1),
		IdleTimeout:   toDuration("TCP_IDLE_TIMEOUT", 0),
		RateLimit:     float64(toInt("MSG_RATE_LIMIT", DefaultRateLimit, 0)),
		RateBurst:     toInt("MSG_RATE_BURST", DefaultRateBurst, 1),
		RSAKeyBits:    toInt("RSA_KEY_BITS", DefaultRSAKeyBits, 2048),

		MySQLHost:     getString("MYSQL_HOST", "127.0.0.1"),
		MySQLPort:     toInt("MYSQL_PORT", DefaultMySQLPort, 1),
		MySQLUser:     os.Getenv("MYSQL_USER"),
		MySQLPassword: os.Getenv("MYSQL_PASSWORD"),
		MySQLDatabase: os.Getenv("MYSQL_DATABASE"),

		MongoURI: os.Getenv("MONGO_URI"),
		MongoDB:  getString("MONGO_DB", DefaultMongoDB),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      getString("JWT_ISSUER", DefaultJWTIssuer),
		JWTAudience:    getString("JWT_AUDIENCE", DefaultJWTAudience),
		AccessTokenTTL: time.Duration(toInt("JWT_ACCESS_MINUTES", DefaultAccessMinutes, 1)) * time.Minute,
		RefreshTTL:     time.Duration(toInt("JWT_REFRESH_DAYS", DefaultRefreshDays, 1)) * 24 * time.Hour,

		MetricsAddr: getString("METRICS_ADDR", DefaultMetricsAddr),
		LogLevel:    getString("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getString("LOG_FORMAT", DefaultLogFormat),
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("METRICS_ADDR")), "off") {
		cfg.MetricsAddr = ""
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		problems = append(problems, "JWT_SECRET must be set")
	}
	if cfg.WSPort != 0 && cfg.WSPort == cfg.TCPPort && cfg.WSHost == cfg.TCPHost {
		problems = append(problems, "WS_PORT must differ from TCP_PORT")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
