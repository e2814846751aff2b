package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hgollnick/sqlbatch/app/history"
	"github.com/hgollnick/sqlbatch/app/registry"
	"github.com/hgollnick/sqlbatch/app/runner"
	"github.com/hgollnick/sqlbatch/app/store"
	"github.com/hgollnick/sqlbatch/app/web"
)

var opts struct {
	Listen        string `short:"l" long:"listen" env:"SQLBATCH_LISTEN" default:":8080" description:"listen address"`
	MaxConcurrent int    `long:"max-concurrent" env:"SQLBATCH_MAX_CONCURRENT" default:"0" description:"max concurrent async batches, 0 for unbounded"`
	Dbg           bool   `long:"dbg" env:"DEBUG" description:"debug mode"`

	DB struct {
		Type         string        `long:"type" env:"TYPE" default:"postgres" choice:"postgres" choice:"sqlite" description:"database type"`
		Server       string        `long:"server" env:"SERVER" description:"database server"`
		Database     string        `long:"database" env:"DATABASE" description:"database name, file path for sqlite"`
		User         string        `long:"username" env:"USERNAME" description:"database user"`
		Password     string        `long:"password" env:"PASSWORD" description:"database password"`
		DSN          string        `long:"dsn" env:"DSN" description:"full connection string, overrides server/database/username"`
		ConnAttempts int           `long:"conn-attempts" env:"CONN_ATTEMPTS" default:"3" description:"how many times to retry initial connect"`
		ConnDuration time.Duration `long:"conn-duration" env:"CONN_DURATION" default:"1s" description:"initial connect backoff duration"`
	} `group:"db" namespace:"db" env-namespace:"DB"`

	Auth struct {
		User       string `long:"user" env:"USER" default:"sqlbatch" description:"basic auth user"`
		PasswdHash string `long:"passwd-hash" env:"PASSWD_HASH" description:"bcrypt hash of basic auth password, empty disables auth"`
	} `group:"auth" namespace:"auth" env-namespace:"SQLBATCH_AUTH"`

	Notify struct {
		WebhookURL string        `long:"webhook-url" env:"WEBHOOK_URL" description:"post batch completion summary to this url"`
		Timeout    time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook delivery timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"SQLBATCH_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILE" default:"commands.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"number of rotated files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"SQLBATCH_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("sqlbatch %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// run wires all components together and blocks until the context is canceled
func run(ctx context.Context) error {
	provider, err := store.New(store.Config{
		Type:            opts.DB.Type,
		Server:          opts.DB.Server,
		Database:        opts.DB.Database,
		User:            opts.DB.User,
		Password:        opts.DB.Password,
		DSN:             opts.DB.DSN,
		ConnectAttempts: opts.DB.ConnAttempts,
		ConnectDuration: opts.DB.ConnDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection provider: %w", err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			log.Printf("[WARN] failed to close connection provider: %v", err)
		}
	}()

	cfg := web.Config{
		Runner:        runner.New(provider),
		Tracker:       history.New(),
		Registry:      registry.New(),
		Version:       revision,
		AuthUser:      opts.Auth.User,
		AuthHash:      opts.Auth.PasswdHash,
		MaxConcurrent: opts.MaxConcurrent,
		WebhookURL:    opts.Notify.WebhookURL,
	}
	if wh := makeNotifier(); wh != nil {
		cfg.Notifier = wh
	}

	srv, err := web.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	return srv.Run(ctx, opts.Listen)
}

// makeNotifier returns a webhook notifier or nil if not configured
func makeNotifier() *notify.Webhook {
	if opts.Notify.WebhookURL == "" {
		return nil
	}
	return notify.NewWebhook(notify.WebhookParams{
		Timeout: opts.Notify.Timeout,
		Headers: []string{"Content-Type:application/json"},
	})
}

// setupLogs configures logging and returns the writer in use
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}

	if opts.Log.Enabled && opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileLogger)))
		log.Setup(logOpts...)
		return fileLogger
	}

	log.Setup(logOpts...)
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
