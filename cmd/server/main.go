package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/labsign/internal/config"
	"github.com/maneesh/labsign/internal/handlers"
	"github.com/maneesh/labsign/internal/lifecycle"
	"github.com/maneesh/labsign/internal/logging"
	"github.com/maneesh/labsign/internal/pdfform"
	"github.com/maneesh/labsign/internal/signing"
	"github.com/maneesh/labsign/internal/storage"
	"github.com/maneesh/labsign/internal/tracing"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"port":    cfg.ServicePort,
	}).Info("Starting LabSign service")

	ctx := context.Background()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logrus.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logrus.WithError(err).Error("Error shutting down tracer")
		}
	}()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logrus.WithError(err).Warn("Error closing client")
			}
		}
	}()

	blobs, err := openBlobStore(ctx, cfg, &closers)
	if err != nil {
		logrus.Fatalf("Failed to initialize blob store: %v", err)
	}

	docs, err := openDocumentStore(ctx, cfg, &closers)
	if err != nil {
		logrus.Fatalf("Failed to initialize document store: %v", err)
	}

	var opts []lifecycle.Option
	opts = append(opts, lifecycle.WithBackendTimeout(cfg.BackendTimeout))
	if cfg.UsesRedis() {
		logrus.WithField("addr", cfg.GetRedisAddr()).Info("Connecting to Redis...")
		redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.Fatalf("Failed to initialize Redis client: %v", err)
		}
		closers = append(closers, redisClient.Close)

		if cfg.CacheEnabled {
			docs = storage.NewCachedDocumentStore(docs, redisClient)
			logrus.Info("Document cache enabled")
		}
		if cfg.LockBackend == config.LockRedis {
			opts = append(opts, lifecycle.WithLocker(storage.NewRedisLocker(redisClient, cfg.LockTTL)))
			logrus.Info("Using Redis document locks")
		}
	}

	backend, err := openSigningBackend(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize signing backend: %v", err)
	}

	ctrl := lifecycle.NewController(docs, blobs, pdfform.NewAnnotator(), backend, opts...)
	router := handlers.NewRouter(handlers.NewDocumentHandler(ctrl, cfg.GetMaxUploadBytes()))

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.BackendTimeout*4 + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}

func openBlobStore(ctx context.Context, cfg *config.Config, closers *[]func() error) (storage.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobMinio:
		logrus.WithField("endpoint", cfg.MinIOEndpoint).Info("Connecting to MinIO...")
		return storage.NewMinioBlobStore(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
	case config.BlobGCS:
		logrus.WithField("bucket", cfg.GCSBucketName).Info("Connecting to Cloud Storage...")
		gs, err := storage.NewGCSBlobStore(ctx, cfg.GCSBucketName)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, gs.Close)
		return gs, nil
	default:
		logrus.Warn("Using in-memory blob store; files are lost on restart")
		return storage.NewMemoryBlobStore(), nil
	}
}

func openDocumentStore(ctx context.Context, cfg *config.Config, closers *[]func() error) (storage.DocumentStore, error) {
	switch cfg.RecordBackend {
	case config.RecordTiDB:
		logrus.WithField("host", cfg.TiDBHost).Info("Connecting to TiDB...")
		ts, err := storage.NewTiDBDocumentStore(ctx, cfg.GetDSN())
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, ts.Close)
		return ts, nil
	case config.RecordFirestore:
		logrus.WithField("project", cfg.GCPProjectID).Info("Connecting to Firestore...")
		fs, err := storage.NewFirestoreDocumentStore(ctx, cfg.GCPProjectID, cfg.FirestoreCollection)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, fs.Close)
		return fs, nil
	default:
		logrus.Warn("Using in-memory document store; records are lost on restart")
		return storage.NewMemoryDocumentStore(), nil
	}
}

func openSigningBackend(cfg *config.Config) (signing.Backend, error) {
	if cfg.SigningBackend == config.SigningDocumenso {
		logrus.WithField("url", cfg.DocumensoAPIURL).Info("Using Documenso signing backend")
		return signing.NewDocumensoClient(cfg.DocumensoAPIURL, cfg.DocumensoAPIKey)
	}
	logrus.Warn("Using in-memory signing backend; documents are never sent to signers")
	return signing.NewMemoryBackend(), nil
}
