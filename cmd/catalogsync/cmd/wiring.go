package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/badno/catalogsync/internal/config"
	"github.com/badno/catalogsync/internal/database"
	"github.com/badno/catalogsync/internal/database/clickhouse"
	"github.com/badno/catalogsync/internal/database/postgres"
	"github.com/badno/catalogsync/internal/images"
	"github.com/badno/catalogsync/internal/metrics"
	"github.com/badno/catalogsync/internal/notify"
	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/reconciler"
	"github.com/badno/catalogsync/internal/reset"
	"github.com/badno/catalogsync/internal/scheduler"
	"github.com/badno/catalogsync/internal/taxonomy"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/redis/go-redis/v9"
)

// app holds the services built from the configuration
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	backend      *database.Backend
	metrics      *metrics.Metrics
	resolver     *taxonomy.Resolver
	orchestrator *orchestrator.Orchestrator
	guard        *scheduler.Guard
	resetter     *reset.Resetter

	closers []func()
}

// newApp wires the import pipeline. extra options are passed to the orchestrator.
func newApp(ctx context.Context, c *config.Config, log *slog.Logger, extra ...orchestrator.Option) (a *app, err error) {
	a = &app{cfg: c, logger: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	defaults := models.DefaultNotificationSettings(c.Notifications.AdminEmail)
	if a.backend, err = openBackend(ctx, c, defaults); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.backend.Close)

	mailer, err := newMailer(ctx, c, log)
	if err != nil {
		return nil, err
	}
	notifier, err := notify.New(mailer, a.backend.State, notify.Site{Name: c.Site.Name, AdminURL: c.Site.AdminURL}, log)
	if err != nil {
		return nil, err
	}

	var imgs reconciler.ImageImporter
	if c.Images.Enabled {
		store, err := newAssetStore(ctx, c, log)
		if err != nil {
			return nil, err
		}
		imgs = images.NewFetcher(store, time.Duration(c.Images.TimeoutSeconds)*time.Second, log)
	}

	a.resolver = taxonomy.NewResolver(a.backend.Terms, log)
	rec := reconciler.New(a.backend.Products, a.resolver, imgs, log)

	opts := []orchestrator.Option{orchestrator.WithMetrics(a.metrics), orchestrator.WithCaches(a.resolver)}
	if a.backend.Flusher != nil {
		opts = append(opts, orchestrator.WithFlusher(a.backend.Flusher))
	}
	if c.Database.ClickHouse.Enabled {
		mirror, err := openClickHouse(ctx, c)
		if err != nil {
			// The mirror is optional; imports run without it
			log.Warn("clickhouse mirror disabled", "error", err)
		} else {
			a.closers = append(a.closers, func() { mirror.Close() })
			opts = append(opts, orchestrator.WithMirror(mirror))
		}
	}
	opts = append(opts, extra...)
	a.orchestrator = orchestrator.New(c.Feed.Dir, rec, a.backend.State, a.backend.Runs, notifier, log, opts...)

	guardOpts := []scheduler.GuardOption{
		scheduler.WithDebounce(c.Debounce()),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLease(c.RunLease()),
	}
	if c.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: os.Getenv(c.Redis.PasswordEnv),
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		ttl := time.Duration(c.Redis.LockTTLSeconds) * time.Second
		guardOpts = append(guardOpts, scheduler.WithLocker(scheduler.NewRedisLock(client, c.Redis.LockKey, ttl)))
	}
	a.guard = scheduler.NewGuard(a.orchestrator, a.backend.State, log, guardOpts...)

	a.resetter = reset.New(a.backend.Products, a.backend.Terms, a.backend.Runs, a.backend.State,
		[]reset.Cache{a.resolver}, a.backend.Flusher, log, reset.WithLease(c.RunLease()))
	return a, nil
}

// Close releases every resource in reverse order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openBackend(ctx context.Context, c *config.Config, defaults models.NotificationSettings) (*database.Backend, error) {
	if !c.Database.UseDB {
		return database.OpenFiles(c.State.File, c.State.CatalogFile, defaults)
	}
	pg, err := postgresConfig(c)
	if err != nil {
		return nil, err
	}
	return database.OpenPostgres(ctx, pg, defaults)
}

func postgresConfig(c *config.Config) (*postgres.Config, error) {
	p := c.Database.Postgres
	pg := postgres.ConfigFromEnv(p.Host, p.Port, p.Database, p.SSLMode, p.UsernameEnv, p.PasswordEnv)
	if pg.Username == "" {
		return nil, fmt.Errorf("PostgreSQL username not set. Set the %s environment variable", p.UsernameEnv)
	}
	return pg, nil
}

func openClickHouse(ctx context.Context, c *config.Config) (*clickhouse.Client, error) {
	ch := c.Database.ClickHouse
	client := clickhouse.NewClient(clickhouse.ConfigFromEnv(ch.Host, ch.Port, ch.Database, ch.Secure, ch.UsernameEnv, ch.PasswordEnv))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.InitSchema(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func newMailer(ctx context.Context, c *config.Config, log *slog.Logger) (notify.Mailer, error) {
	n := c.Notifications
	switch n.Mailer {
	case "smtp":
		return notify.NewSMTPMailer(n.SMTP.Host, n.SMTP.Port,
			os.Getenv(n.SMTP.UsernameEnv), os.Getenv(n.SMTP.PasswordEnv), n.From), nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(n.SES.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return notify.NewSESMailer(sesv2.NewFromConfig(awsCfg), n.From), nil
	case "", "log":
		return notify.NewLogMailer(log), nil
	default:
		return nil, fmt.Errorf("unknown mailer %q (expected log, smtp or ses)", n.Mailer)
	}
}

func newAssetStore(ctx context.Context, c *config.Config, log *slog.Logger) (images.AssetStore, error) {
	img := c.Images
	switch img.Store {
	case "s3":
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(img.S3.Region)}
		if key := os.Getenv(img.S3.AccessKeyEnv); key != "" {
			secret := os.Getenv(img.S3.SecretKeyEnv)
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(key, secret, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if img.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(img.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
		return images.NewS3Store(client, img.S3.Bucket, img.S3.Prefix, img.S3.PublicURL), nil
	case "", "local":
		var thumbs *images.Thumbnailer
		if img.ThumbnailSize > 0 {
			thumbs = images.NewThumbnailer(filepath.Join(img.Dir, "thumbnails"), img.ThumbnailSize)
		}
		return images.NewLocalStore(img.Dir, thumbs, log), nil
	default:
		return nil, fmt.Errorf("unknown image store %q (expected local or s3)", img.Store)
	}
}
