package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env string `yaml:"env" env-default:"local"`

	// StoragePath is the sqlite file used when PostgresDSN is empty.
	StoragePath string `yaml:"storage_path"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`

	ResetBaseURL string `yaml:"reset_base_url"`

	HTTP   HTTPConfig   `yaml:"http"`
	Tokens TokensConfig `yaml:"tokens"`
	Google GoogleConfig `yaml:"google"`
	SMTP   SMTPConfig   `yaml:"smtp"`
}

type HTTPConfig struct {
	Port       int           `yaml:"port" env-default:"8080"`
	Timeout    time.Duration `yaml:"timeout" env-default:"5s"`
	CORSOrigin string        `yaml:"cors_origin" env-default:"*"`
}

type TokensConfig struct {
	AccessSecret string        `yaml:"access_secret" env:"ACCESS_TOKEN_SECRET"`
	AccessTTL    time.Duration `yaml:"access_ttl" env-default:"15m"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl" env-default:"168h"`
	RememberTTL  time.Duration `yaml:"remember_ttl" env-default:"720h"`
	ResetTTL     time.Duration `yaml:"reset_ttl" env-default:"15m"`
	BcryptCost   int           `yaml:"bcrypt_cost" env-default:"10"`
}

type GoogleConfig struct {
	// Audience is the OAuth client id; google sign-in is disabled when empty.
	Audience string `yaml:"audience" env:"GOOGLE_CLIENT_ID"`
	JWKSURL  string `yaml:"jwks_url"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USER"`
	Password string `yaml:"password" env:"SMTP_PASS"`
	From     string `yaml:"from"`
}

func MustLoadByPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadByPath(path)
}

// config path comes from the -config flag or CONFIG_PATH, flag wins
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
