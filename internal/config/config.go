package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level  string
		Format string
	}
	Database struct {
		Driver   string
		Path     string
		MongoURI string
		MongoDB  string
	}
	Directory struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}
	Cache struct {
		Backend     string
		Dir         string
		UserLocking bool
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Redis struct {
		Addr      string
		Password  string
		DB        int
		KeyPrefix string
	}
	AMQP struct {
		URL   string
		Queue string
	}
	Notify struct {
		MaxConcurrent int
	}
	Auth struct {
		JWTSecret string
	}
	RateLimit struct {
		CreateRPS   float64
		CreateBurst int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// existing environment wins over .env
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AVATARS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/avatars.db")
	v.SetDefault("database.mongouri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb", "avatars")
	v.SetDefault("directory.baseurl", "https://reqres.in/api")
	v.SetDefault("directory.apikey", "")
	v.SetDefault("directory.timeout", 10*time.Second)
	v.SetDefault("cache.backend", "disk")
	v.SetDefault("cache.dir", "data/avatars")
	v.SetDefault("cache.userlocking", false)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "avatars")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyprefix", "avatars")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "user_creation")
	v.SetDefault("notify.maxconcurrent", 4)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("ratelimit.createrps", 5.0)
	v.SetDefault("ratelimit.createburst", 10)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	cfg.Directory.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Directory.BaseURL), "/")
	return cfg, nil
}

// Validate reports the first configuration problem that would prevent startup.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case "mongo":
		if c.Database.MongoURI == "" || c.Database.MongoDB == "" {
			return errors.New("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Cache.Backend {
	case "disk":
		if c.Cache.Dir == "" {
			return errors.New("cache dir is required for the disk backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage bucket is required for the s3 backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Directory.BaseURL == "" {
		return errors.New("directory base url is required")
	}
	if c.Directory.Timeout <= 0 {
		return errors.New("directory timeout must be positive")
	}
	if c.RateLimit.CreateRPS < 0 || c.RateLimit.CreateBurst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	return nil
}
