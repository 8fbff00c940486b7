package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/classcredits/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultSQLitePath   = "classcredits.db"

	defaultSweepInterval      = 15 * time.Minute
	defaultSweepPhaseAttempts = 2
	defaultSweepRetryDelay    = 5 * time.Second
	defaultSweepBatchSize     = 500
	defaultStoreTimeout       = 5 * time.Second
	defaultCancelLookback     = 7 * 24 * time.Hour

	defaultStudentLockWindow = 4 * time.Hour
	defaultTrainerLockWindow = 4 * time.Hour
	defaultTrainerBonusDelay = time.Hour
	defaultRefundCutoff      = 4 * time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address of ops and intake http api
	ListenAddr string

	// Postgres to connect to. If empty, sqlite file at SQLitePath is used
	DatabaseDSN string
	SQLitePath  string

	// Environment
	Environment string

	// Optional message bus for booking events and settled notifications
	NATSURL string

	// Optional redis used to send every settled notification once across replicas
	RedisAddr string

	// Settlement scheduler
	SweepInterval      time.Duration
	SweepRunTimeout    time.Duration
	SweepPhaseAttempts int
	SweepRetryDelay    time.Duration
	SweepBatchSize     int
	StoreTimeout       time.Duration
	CancelLookback     time.Duration

	// Reservation policy
	StudentLockWindow time.Duration
	TrainerLockWindow time.Duration
	TrainerBonusDelay time.Duration
	RefundCutoff      time.Duration

	CORSOrigins []string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		ListenAddr:  defaultListenAddr,
		Environment: defaultEnvironment,
		SQLitePath:  defaultSQLitePath,

		SweepInterval:      defaultSweepInterval,
		SweepPhaseAttempts: defaultSweepPhaseAttempts,
		SweepRetryDelay:    defaultSweepRetryDelay,
		SweepBatchSize:     defaultSweepBatchSize,
		StoreTimeout:       defaultStoreTimeout,
		CancelLookback:     defaultCancelLookback,

		StudentLockWindow: defaultStudentLockWindow,
		TrainerLockWindow: defaultTrainerLockWindow,
		TrainerBonusDelay: defaultTrainerBonusDelay,
		RefundCutoff:      defaultRefundCutoff,

		CORSOrigins: []string{"*"},
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}

	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}

	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = strings.Split(value, ",")
			}
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":  setString(&c.ListenAddr),
		"DATABASE_URI": setString(&c.DatabaseDSN),
		"SQLITE_PATH":  setString(&c.SQLitePath),
		"LOG_LEVEL":    setString(&c.LogLevel),
		"ENVIRONMENT":  setString(&c.Environment),
		"NATS_URL":     setString(&c.NATSURL),
		"REDIS_ADDR":   setString(&c.RedisAddr),

		"SWEEP_INTERVAL":       setDuration(&c.SweepInterval),
		"SWEEP_RUN_TIMEOUT":    setDuration(&c.SweepRunTimeout),
		"SWEEP_PHASE_ATTEMPTS": setInt(&c.SweepPhaseAttempts),
		"SWEEP_RETRY_DELAY":    setDuration(&c.SweepRetryDelay),
		"SWEEP_BATCH_SIZE":     setInt(&c.SweepBatchSize),
		"STORE_TIMEOUT":        setDuration(&c.StoreTimeout),
		"CANCEL_LOOKBACK":      setDuration(&c.CancelLookback),

		"STUDENT_LOCK_WINDOW": setDuration(&c.StudentLockWindow),
		"TRAINER_LOCK_WINDOW": setDuration(&c.TrainerLockWindow),
		"TRAINER_BONUS_DELAY": setDuration(&c.TrainerBonusDelay),
		"REFUND_CUTOFF":       setDuration(&c.RefundCutoff),

		"CORS_ORIGINS": setList(&c.CORSOrigins),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("classcredits", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Postgres connection string")
	fs.StringVar(&c.SQLitePath, "sqlite", c.SQLitePath, "Sqlite database file, used when postgres is not set")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.NATSURL, "nats", c.NATSURL, "NATS server url")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address")

	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Time between settlement runs")
	fs.DurationVar(&c.SweepRunTimeout, "sweep-run-timeout", c.SweepRunTimeout, "Soft limit of one settlement run (default: sweep interval)")
	fs.IntVar(&c.SweepPhaseAttempts, "sweep-phase-attempts", c.SweepPhaseAttempts, "Attempts of a settlement phase when the store fails")
	fs.DurationVar(&c.SweepRetryDelay, "sweep-retry-delay", c.SweepRetryDelay, "Delay between settlement phase attempts")
	fs.IntVar(&c.SweepBatchSize, "sweep-batch-size", c.SweepBatchSize, "Expired reservations fetched per query")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", c.StoreTimeout, "Limit of a single store call")
	fs.DurationVar(&c.CancelLookback, "cancel-lookback", c.CancelLookback, "How far back cancelled bookings are reconciled")

	fs.DurationVar(&c.StudentLockWindow, "student-lock-window", c.StudentLockWindow, "Student reservation settles this long before class")
	fs.DurationVar(&c.TrainerLockWindow, "trainer-lock-window", c.TrainerLockWindow, "Trainer reservation settles this long before class")
	fs.DurationVar(&c.TrainerBonusDelay, "trainer-bonus-delay", c.TrainerBonusDelay, "Trainer bonus is held this long after class")
	fs.DurationVar(&c.RefundCutoff, "refund-cutoff", c.RefundCutoff, "Minimal cancellation notice for a refund")

	fs.StringSliceVar(&c.CORSOrigins, "cors-origins", c.CORSOrigins, "Allowed CORS origins")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	switch {
	case c.SweepInterval <= 0:
		return errors.New("sweep interval must be positive")
	case c.SweepPhaseAttempts <= 0:
		return errors.New("sweep phase attempts must be positive")
	case c.SweepRetryDelay <= 0:
		return errors.New("sweep retry delay must be positive")
	case c.SweepBatchSize <= 0:
		return errors.New("sweep batch size must be positive")
	case c.DatabaseDSN == "" && c.SQLitePath == "":
		return errors.New("either postgres dsn or sqlite path is required")
	default:
		return nil
	}
}
