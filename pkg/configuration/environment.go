package configuration

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/uplinehq/upline/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the env files that exist and reports how many were found.
func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existingFiles = append(existingFiles, file)
		}
	}
	if len(existingFiles) == 0 {
		return 0, nil
	}
	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"upline"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

type ReferralOptions struct {
	// TreeLockTimeout bounds how long a mutation waits for its per-tree
	// advisory lock before the operation fails as busy.
	TreeLockTimeout time.Duration `env:"REFERRAL_TREE_LOCK_TIMEOUT" envDefault:"3s"`
	// GrowthWindowDays is the trailing window for the analyzer growth rate.
	GrowthWindowDays int `env:"REFERRAL_GROWTH_WINDOW_DAYS" envDefault:"30"`
	// DefaultMaxDepth is used when a tree is created without an explicit
	// depth limit.
	DefaultMaxDepth int `env:"REFERRAL_DEFAULT_MAX_DEPTH" envDefault:"10"`
}

type Configuration struct {
	Database DatabaseOptions
	Referral ReferralOptions

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:""`

	// RLSEnforce toggles tenant row-level security enforcement per
	// transaction ("enforce" or "off").
	RLSEnforce string `env:"RLS_ENFORCE" envDefault:"enforce"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	if _, err := LoadEnv(envFiles); err != nil {
		return err
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	c.Database.Opts = c.Database.ConnectionString()

	if c.Referral.GrowthWindowDays <= 0 {
		return fmt.Errorf("REFERRAL_GROWTH_WINDOW_DAYS must be positive, got %d", c.Referral.GrowthWindowDays)
	}
	if c.Referral.DefaultMaxDepth <= 0 {
		return fmt.Errorf("REFERRAL_DEFAULT_MAX_DEPTH must be positive, got %d", c.Referral.DefaultMaxDepth)
	}

	if c.LogPath != "" {
		f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
		if err != nil {
			return err
		}
		c.logFile = f
		c.logger = logger
		return nil
	}
	c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	return nil
}

func (c *Configuration) Unload() {
	if c.logFile != nil {
		_ = c.logFile.Close()
		c.logFile = nil
	}
}
