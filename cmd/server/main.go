package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitlynq/internal/config"
	"bitlynq/internal/downloader"
	"bitlynq/internal/engine"
	apphttp "bitlynq/internal/http"
	"bitlynq/internal/repository/sqlite"
	"bitlynq/internal/service"
	"bitlynq/internal/storage"
	"bitlynq/internal/watch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:          "bitlynq",
		Short:        "Torrent transfer daemon with an HTTP control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	config.SetupFlags(rootCmd)
	if err := config.BindFlags(rootCmd, v); err != nil {
		return err
	}

	return rootCmd.Execute()
}

func serve(cfg config.Config) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repos, err := sqlite.NewRepositories(ctx, db)
	if err != nil {
		return err
	}

	jobService := service.NewJobService(repos.Jobs, repos.Files, repos.Resume)
	settingsService := service.NewSettingsService(repos.Settings)
	authService := service.NewAuthService(service.AuthConfig{
		APIKeyHash: cfg.Auth.APIKeyHash,
		JWTSecret:  cfg.Auth.JWTSecret,
		TokenTTL:   cfg.Auth.TokenTTL,
	})
	if !authService.Enabled() {
		logger.Warn("api authentication disabled: no api key hash configured")
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}
	uploadService := service.NewUploadService(service.UploadConfig{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Logger:    logger,
	}, jobService, repos.Uploads, storageSvc)

	mode, err := engine.ParseMode(cfg.Engine.Mode)
	if err != nil {
		return err
	}
	manager := downloader.NewManager(downloader.Config{
		DownloadRoot: cfg.Download.DataDir,
		Engine: engine.Config{
			Mode: mode,
			Live: engine.LiveConfig{
				DataDir:    cfg.Download.DataDir,
				ListenPort: cfg.Engine.ListenPort,
				Seed:       cfg.Engine.Seed,
				Trackers:   cfg.Engine.Trackers,
			},
			Logger: logger,
		},
		EventInterval:     cfg.Engine.EventInterval,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
		FileRefreshEvery:  cfg.Engine.FileRefreshEvery,
		MetadataTimeout:   cfg.Engine.MetadataTimeout,
		ShutdownTimeout:   cfg.Engine.ShutdownTimeout,
		DefaultSettings:   cfg.Session.Settings(),
		Logger:            logger,
	}, jobService, settingsService)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer manager.Shutdown()

	if len(cfg.Watch.Dirs) > 0 {
		watcher, err := watch.New(watch.Config{
			Dirs:     cfg.Watch.Dirs,
			SavePath: cfg.Watch.SavePath,
			Logger:   logger,
		}, manager)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("watch folders stopped")
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(apphttp.HandlerConfig{
		Manager: manager,
		Uploads: uploadService,
		Storage: storageSvc,
		Auth:    authService,
		Bucket:  cfg.Storage.Bucket,
		Logger:  logger,
	}).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
	return nil
}

// buildStorage returns nil when no bucket is configured; export is then
// reported as unavailable by the API.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, cloud export disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
