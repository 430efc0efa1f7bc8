// Package config loads docsync's settings from flags, environment variables,
// .env files and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "DOCSYNC"

type Config struct {
	HTTPAddr  string  `mapstructure:"http-addr" validate:"required"`
	LogLevel  string  `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	JWTSecret string  `mapstructure:"jwt-secret"`
	DB        DB      `mapstructure:"db"`
	Collab    Collab  `mapstructure:"collab"`
	Gateway   Gateway `mapstructure:"gateway"`
}

// DB selects the document store. With no DSN, a Postgres DSN is assembled
// from the individual connection fields.
type DB struct {
	Driver   string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN      string `mapstructure:"dsn"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Collab struct {
	SaveDebounce time.Duration `mapstructure:"save-debounce" validate:"gt=0"`
	MaxStaleness time.Duration `mapstructure:"max-staleness" validate:"gtefield=SaveDebounce"`
	SaveAttempts int           `mapstructure:"save-attempts" validate:"gte=1,lte=20"`
	SaveBackoff  time.Duration `mapstructure:"save-backoff" validate:"gt=0"`
	Linger       time.Duration `mapstructure:"linger" validate:"gte=0"`
	JoinGrace    time.Duration `mapstructure:"join-grace" validate:"gt=0"`
	DrainRetry   time.Duration `mapstructure:"drain-retry" validate:"gt=0"`
	DrainRetries int           `mapstructure:"drain-retries" validate:"gte=1"`
}

type Gateway struct {
	SendBuffer     int           `mapstructure:"send-buffer" validate:"gte=1"`
	DedupWindow    time.Duration `mapstructure:"dedup-window" validate:"gte=0"`
	AllowedOrigins []string      `mapstructure:"allowed-origins"`
}

var defaults = map[string]interface{}{
	"http-addr":               ":8080",
	"log-level":               "info",
	"jwt-secret":              "",
	"db.driver":               "postgres",
	"db.dsn":                  "",
	"db.user":                 "",
	"db.password":             "",
	"db.host":                 "",
	"db.port":                 "5432",
	"db.dbname":               "postgres",
	"db.sslmode":              "require",
	"collab.save-debounce":    500 * time.Millisecond,
	"collab.max-staleness":    5 * time.Second,
	"collab.save-attempts":    3,
	"collab.save-backoff":     100 * time.Millisecond,
	"collab.linger":           time.Duration(0),
	"collab.join-grace":       10 * time.Second,
	"collab.drain-retry":      5 * time.Second,
	"collab.drain-retries":    60,
	"gateway.send-buffer":     256,
	"gateway.dedup-window":    500 * time.Millisecond,
	"gateway.allowed-origins": []string{},
}

// LoadEnvFiles loads .env and .env.local into the process environment.
// Missing files are ignored.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Setup prepares v with defaults and environment lookups. Every key can be
// set as DOCSYNC_<KEY>, e.g. DOCSYNC_COLLAB_SAVE_DEBOUNCE=1s. The unprefixed
// variables of a Supabase deployment are honoured as fallbacks.
func Setup(v *viper.Viper, configFile string) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("jwt-secret", EnvPrefix+"_JWT_SECRET", "SUPABASE_JWT_SECRET")
	_ = v.BindEnv("db.user", EnvPrefix+"_DB_USER", "user")
	_ = v.BindEnv("db.password", EnvPrefix+"_DB_PASSWORD", "password")
	_ = v.BindEnv("db.host", EnvPrefix+"_DB_HOST", "host")
	_ = v.BindEnv("db.port", EnvPrefix+"_DB_PORT", "port")
	_ = v.BindEnv("db.dbname", EnvPrefix+"_DB_DBNAME", "dbname")
}

// Load reads the optional config file and returns the validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	for i, o := range cfg.Gateway.AllowedOrigins {
		cfg.Gateway.AllowedOrigins[i] = strings.TrimSpace(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.JWTSecret == "" {
		return errors.New("jwt-secret is required (DOCSYNC_JWT_SECRET or SUPABASE_JWT_SECRET)")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" && c.DB.Host == "" {
			return errors.New("db.dsn or db.host is required for the postgres driver")
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		if e.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s: failed %s=%s (got %v)", e.Namespace(), e.Tag(), e.Param(), e.Value()))
		} else {
			messages = append(messages, fmt.Sprintf("%s: failed %s", e.Namespace(), e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}

// PostgresDSN returns DSN, or builds one from the connection fields.
func (d DB) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(strings.TrimSpace(d.User), strings.TrimSpace(d.Password)),
		Host:     strings.TrimSpace(d.Host) + ":" + strings.TrimSpace(d.Port),
		Path:     "/" + strings.TrimSpace(d.Name),
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// String returns a formatted representation of the configuration with
// secrets masked.
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	mask := func(s string) string {
		if s == "" {
			return "(unset)"
		}
		return "****"
	}

	addSection("HTTP Server")
	addField("Address", c.HTTPAddr)
	addField("JWT Secret", mask(c.JWTSecret))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Database")
	addField("Driver", c.DB.Driver)
	if c.DB.DSN != "" {
		addField("DSN", mask(c.DB.DSN))
	} else {
		addField("Host", c.DB.Host+":"+c.DB.Port)
		addField("Database", c.DB.Name)
		addField("User", c.DB.User)
		addField("SSL Mode", c.DB.SSLMode)
	}

	addSection("Collaboration")
	addField("Save Debounce", c.Collab.SaveDebounce.String())
	addField("Max Staleness", c.Collab.MaxStaleness.String())
	addField("Save Attempts", fmt.Sprintf("%d", c.Collab.SaveAttempts))
	addField("Save Backoff", c.Collab.SaveBackoff.String())
	addField("Linger", c.Collab.Linger.String())
	addField("Join Grace", c.Collab.JoinGrace.String())
	addField("Drain Retry", fmt.Sprintf("%s x%d", c.Collab.DrainRetry, c.Collab.DrainRetries))

	addSection("Gateway")
	addField("Send Buffer", fmt.Sprintf("%d msgs", c.Gateway.SendBuffer))
	addField("Dedup Window", c.Gateway.DedupWindow.String())
	origins := "*"
	if len(c.Gateway.AllowedOrigins) > 0 {
		origins = strings.Join(c.Gateway.AllowedOrigins, ", ")
	}
	addField("Allowed Origins", origins)

	return sb.String()
}
