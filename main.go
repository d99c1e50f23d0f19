package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/davecheney/fedi/activitypub"
	"github.com/davecheney/fedi/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Context struct {
	Debug  bool
	Logger *slog.Logger

	gorm.Config
	Dialector gorm.Dialector
}

// openDB opens and configures the database.
func (c *Context) openDB() (*gorm.DB, error) {
	db, err := gorm.Open(c.Dialector, &c.Config)
	if err != nil {
		return nil, err
	}
	if err := configureDB(db); err != nil {
		return nil, err
	}
	return db, nil
}

// env returns the environment shared by the federation components.
func (c *Context) env(db *gorm.DB) *models.Env {
	return &models.Env{DB: db, Logger: c.Logger}
}

// FederationFlags configure the federation engine.
type FederationFlags struct {
	Domain  string        `required:"" env:"FEDI_DOMAIN" help:"domain name of the instance"`
	FetchAs string        `env:"FEDI_FETCH_AS" help:"local account remote actor fetches are signed as"`
	TTL     time.Duration `default:"24h" help:"how long a fetched actor is trusted"`

	FetchTimeout    time.Duration `default:"10s" help:"timeout of each remote actor fetch"`
	DeliveryTimeout time.Duration `default:"30s" help:"timeout of each delivery attempt"`
	ClockSkew       time.Duration `default:"12h" help:"permitted skew of signed Date headers"`

	Workers      int           `default:"16" help:"concurrent deliveries"`
	PerHost      int           `default:"4" help:"concurrent deliveries to a single host"`
	PollInterval time.Duration `default:"30s" help:"delivery queue poll interval"`

	RetryBase   time.Duration `default:"30s" help:"delay after the first failed delivery"`
	RetryCap    time.Duration `default:"6h" help:"maximum delay between delivery attempts"`
	MaxAttempts int           `default:"16" help:"delivery attempts before a job is dead lettered"`
	MaxAge      time.Duration `default:"168h" help:"age after which a failing job is dead lettered"`

	Retention time.Duration `default:"720h" help:"how long dedup entries and finished deliveries are kept"`
}

// Config returns the engine configuration described by the flags.
func (f *FederationFlags) Config() activitypub.Config {
	cfg := activitypub.DefaultConfig(f.Domain)
	cfg.FetchAs = f.FetchAs
	cfg.ActorTTL = f.TTL
	cfg.FetchTimeout = f.FetchTimeout
	cfg.DeliveryTimeout = f.DeliveryTimeout
	cfg.MaxClockSkew = f.ClockSkew
	cfg.Workers = f.Workers
	cfg.PerHost = f.PerHost
	cfg.PollInterval = f.PollInterval
	cfg.Retry.Base = f.RetryBase
	cfg.Retry.Cap = f.RetryCap
	cfg.Retry.MaxAttempts = f.MaxAttempts
	cfg.Retry.MaxAge = f.MaxAge
	cfg.Retention = f.Retention
	return cfg
}

// Validate rejects flag values the engine cannot run with.
func (f *FederationFlags) Validate() error {
	return f.Config().Validate()
}

// service opens the database and returns a federation Service configured by flags.
func (c *Context) service(flags *FederationFlags) (*activitypub.Service, error) {
	db, err := c.openDB()
	if err != nil {
		return nil, err
	}
	return activitypub.NewService(c.env(db), flags.Config(), nil)
}

var cli struct {
	Debug  bool   `help:"Enable debug mode."`
	DSN    string `help:"data source name" default:"fedi:fedi@tcp(localhost:3306)/fedi" env:"FEDI_DSN"`
	LogSQL bool   `help:"Log SQL statements."`

	AutoMigrate   AutoMigrateCmd   `cmd:"" help:"Create or update the database schema."`
	CreateAccount CreateAccountCmd `cmd:"" help:"Create a local account."`
	Serve         ServeCmd         `cmd:"" help:"Serve the inbox and run the delivery engine."`
	FetchActor    FetchActorCmd    `cmd:"" help:"Fetch a remote actor into the cache."`
	Follow        FollowCmd        `cmd:"" help:"Follow a remote actor."`
	Deliveries    DeliveriesCmd    `cmd:"" help:"List delivery jobs."`
	Redeliver     RedeliverCmd     `cmd:"" help:"Requeue a dead lettered delivery."`
	Housekeeping  HousekeepingCmd  `cmd:"" help:"Purge old dedup entries and finished deliveries."`
}

func main() {
	ctx := kong.Parse(&cli)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slogger)

	sqlLevel := logger.Warn
	if cli.LogSQL {
		sqlLevel = logger.Info
	}
	err := ctx.Run(&Context{
		Debug:  cli.Debug,
		Logger: slogger,
		Config: gorm.Config{
			TranslateError: true,
			Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  sqlLevel,
				IgnoreRecordNotFoundError: true,
			}),
		},
		Dialector: newDialector(cli.DSN),
	})
	ctx.FatalIfErrorf(err)
}

// interrupted returns a context cancelled on SIGINT or SIGTERM.
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
