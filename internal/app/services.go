package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/assetgate/internal/assets"
	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/grants"
	"github.com/odyssey-erp/assetgate/internal/ingest"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/observability"
	"github.com/odyssey-erp/assetgate/internal/signer"
	"github.com/odyssey-erp/assetgate/internal/validation"
)

// Services holds the core components shared by the API server and the worker.
type Services struct {
	Authz    *authz.Engine
	Issuer   *signer.Issuer
	Ingest   *ingest.Engine
	Objects  *objectstore.S3Store
	Recorder *audit.Recorder
	Assets   *assets.PGRepository

	closers []func()
}

// NewServices wires the authorization engine, issuer and ingestion engine
// from configuration.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics) (*Services, error) {
	clk := clock.New()
	svc := &Services{}

	var sink audit.Sink
	switch cfg.AuditSink {
	case "stdout":
		sink = audit.NewWriterSink(os.Stdout)
	default:
		sink = audit.NewPGSink(pool)
	}
	svc.Recorder = audit.NewRecorder(sink, clk, logger).WithFailureObserver(metrics)

	var cache grants.Cache
	switch cfg.GrantCache {
	case "memory":
		mem, err := grants.NewMemoryCache(cfg.GrantCacheMaxEntries, clk)
		if err != nil {
			return nil, fmt.Errorf("app: grant cache: %w", err)
		}
		svc.closers = append(svc.closers, mem.Close)
		cache = mem
	case "redis":
		cache = grants.NewRedisCache(redisClient, logger)
	}
	grantStore := grants.NewCachedStore(grants.NewRepository(pool, clk), cache, cfg.GrantCacheTTL, clk)

	svc.Authz = authz.NewEngine(grantStore, svc.Recorder,
		authz.WithClock(clk),
		authz.WithLogger(logger),
		authz.WithObserver(metrics),
	)

	objects, err := objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3PathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PartSize:        cfg.S3PartSize,
		Concurrency:     cfg.S3Concurrency,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Objects = objects

	var urlSigner objectstore.URLSigner = objects
	if cfg.SignerMode == "hmac" {
		h, err := signer.NewHMAC([]byte(cfg.SignerSecret), cfg.SignerBaseURL, clk)
		if err != nil {
			svc.Close()
			return nil, err
		}
		urlSigner = h
	}

	svc.Assets = assets.NewRepository(pool)
	svc.Issuer = signer.NewIssuer(svc.Authz, urlSigner, svc.Recorder,
		signer.WithPolicy(signer.Policy{UploadMax: cfg.UploadTTLMax, DownloadMax: cfg.DownloadTTLMax}),
		signer.WithClock(clk),
		signer.WithLogger(logger),
		signer.WithAssets(svc.Assets),
		signer.WithObserver(metrics),
	)

	validator, err := validation.New(validation.Policy{MaxSize: cfg.IngestMaxFileSize, Allowed: cfg.IngestAllowedTypes})
	if err != nil {
		svc.Close()
		return nil, err
	}
	writer := objectstore.NewBreakerWriter(objects, objectstore.BreakerConfig{
		Name:             "object-store-put",
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Logger:           logger,
	})
	svc.Ingest = ingest.NewEngine(svc.Authz, writer, svc.Assets, validator, svc.Recorder,
		ingest.WithLogger(logger),
		ingest.WithObserver(metrics),
	)
	return svc, nil
}

// Close releases in-process resources. Pools and clients passed in are not closed.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
