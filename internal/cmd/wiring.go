package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/config"
	"github.com/3leaps/listwatch/internal/observability"
	"github.com/3leaps/listwatch/pkg/credential"
	"github.com/3leaps/listwatch/pkg/jobstore"
	"github.com/3leaps/listwatch/pkg/lifecycle"
	"github.com/3leaps/listwatch/pkg/notify"
	"github.com/3leaps/listwatch/pkg/remote"
	"github.com/3leaps/listwatch/pkg/resultsink"
	"github.com/3leaps/listwatch/pkg/tabular"
)

func openStore(ctx context.Context, cfg *config.Config) (jobstore.Store, error) {
	store, err := jobstore.Open(ctx, jobstore.Config{
		Backend:  cfg.Store.Backend,
		Path:     cfg.Store.Path,
		RedisURL: cfg.Store.RedisURL,
		RedisKey: cfg.Store.RedisKey,
	})
	if err != nil {
		return nil, exitError(serviceUnavailable, "Failed to open job store", err)
	}
	return store, nil
}

func newRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.HTTPClient {
	rc := cfg.Remote
	return remote.New(remote.Config{
		BaseURL:       rc.BaseURL,
		LoginPath:     rc.LoginPath,
		SubmitPath:    rc.SubmitPath,
		PollPath:      rc.PollPath,
		Email:         rc.Email,
		Password:      rc.Password,
		CompanyID:     rc.CompanyID,
		Location:      remote.LoadLocation(rc.Timezone),
		SubmitTimeout: rc.SubmitTimeout,
		PollTimeout:   rc.PollTimeout,
		Retry: remote.RetryPolicy{
			MaxAttempts: rc.Retry.MaxAttempts,
			Backoff:     remote.LinearBackoff(rc.Retry.Backoff),
		},
		RateLimit: rc.RateLimit,
	}, remote.WithLogger(logger.Named("remote")))
}

func newCredentials(cfg *config.Config, client *remote.HTTPClient, logger *zap.Logger) *credential.Manager {
	return credential.New(client.Login, credential.Options{
		Lifetime:      cfg.Credential.Lifetime,
		RefreshMargin: cfg.Credential.RefreshMargin,
		Logger:        logger.Named("credential"),
	})
}

// newSinks returns the primary directory sink and the optional S3 mirror.
func newSinks(ctx context.Context, cfg *config.Config) (resultsink.Sink, []resultsink.Sink, error) {
	primary := resultsink.NewDirSink(cfg.Output.Dir)
	if cfg.Output.S3.Bucket == "" {
		return primary, nil, nil
	}
	s3cfg := cfg.Output.S3
	mirror, err := resultsink.NewS3Sink(ctx, resultsink.S3Config{
		Bucket:         s3cfg.Bucket,
		Prefix:         s3cfg.Prefix,
		Region:         s3cfg.Region,
		Endpoint:       s3cfg.Endpoint,
		Profile:        s3cfg.Profile,
		ForcePathStyle: s3cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, nil, exitError(serviceUnavailable, "Failed to configure S3 mirror", err)
	}
	return primary, []resultsink.Sink{mirror}, nil
}

// newPublisher returns a NATS publisher when configured. The returned close
// function is always safe to call.
func newPublisher(cfg *config.Config) (notify.Publisher, func(), error) {
	if cfg.Notify.NATSURL == "" {
		return notify.Nop{}, func() {}, nil
	}
	pub, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
	if err != nil {
		return nil, nil, exitError(serviceUnavailable, "Failed to connect to NATS", err)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			observability.CLILogger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}, nil
}

// app is the wired engine and everything it owns.
type app struct {
	cfg    *config.Config
	store  jobstore.Store
	client *remote.HTTPClient
	creds  *credential.Manager
	engine *lifecycle.Engine

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, exitError(invalidArgument, "Missing credentials", err)
	}
	logger := observability.CLILogger

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}
	a.closers = append(a.closers, func() { _ = store.Close() })

	sink, mirrors, err := newSinks(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, closePub, err := newPublisher(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closePub)

	a.client = newRemoteClient(cfg, logger)
	a.creds = newCredentials(cfg, a.client, logger)
	a.engine = lifecycle.New(lifecycle.Deps{
		Remote:      a.client,
		Credentials: a.creds,
		Store:       store,
		Sink:        sink,
		Mirrors:     mirrors,
		Publisher:   pub,
		Logger:      logger.Named("lifecycle"),
	}, lifecycle.Config{
		OutputFormat:  tabular.Format(cfg.Output.Format),
		MaxAttempts:   cfg.Poll.MaxAttempts,
		DeadLetterDir: cfg.Poll.DeadLetterDir,
		Concurrency:   cfg.Poll.Concurrency,
	})

	logger.Debug("Engine ready",
		zap.String("base_url", cfg.Remote.BaseURL),
		zap.String("output_dir", cfg.Output.Dir),
		zap.Int("mirrors", len(mirrors)),
		zap.Bool("nats", cfg.Notify.NATSURL != ""),
	)
	return a, nil
}

func mustConfig() (*config.Config, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, exitError(invalidArgument, "Configuration unavailable", err)
	}
	return cfg, nil
}

func describeStore(cfg *config.Config) string {
	if cfg.Store.Backend == jobstore.BackendRedis {
		return fmt.Sprintf("redis %s", cfg.Store.RedisKey)
	}
	return fmt.Sprintf("%s %s", cfg.Store.Backend, cfg.Store.Path)
}
