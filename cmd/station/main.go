package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/apiclient"
	"rollcall/internal/capture"
	"rollcall/internal/config"
	"rollcall/internal/encoder"
	"rollcall/internal/session"
	"rollcall/internal/station"
)

func main() {
	cfg, err := config.LoadStation(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Error.Fatalf("station config: %v", err)
	}
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		logger.Error.Fatalf("station failed: %v", err)
	}
}

func run(cfg config.Station) error {
	var dev capture.Device
	switch cfg.Camera.Source {
	case "directory":
		dev = capture.NewDirectoryDevice(cfg.Camera.Directory, cfg.Camera.PollEvery())
	default:
		dev = capture.NewSnapshotDevice(cfg.Camera.FrontURL, cfg.Camera.BackURL, cfg.Camera.PollEvery())
	}
	camera := capture.NewManager(dev, cfg.Camera.AcquireWithin())
	defer camera.Release()

	enc, err := encoder.New(encoder.Options{
		Format:    cfg.Encoder.Format,
		Step:      cfg.Encoder.Step,
		Floor:     cfg.Encoder.Floor,
		Budget:    cfg.Encoder.BudgetBytes,
		MaxWidth:  cfg.Encoder.MaxWidth,
		MaxHeight: cfg.Encoder.MaxHeight,
	})
	if err != nil {
		return err
	}

	api := apiclient.New(cfg.APIURL, cfg.APIToken)
	if cfg.APIToken == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		tokens, err := api.Register(ctx, cfg.OperatorID)
		cancel()
		if err != nil {
			return err
		}
		logger.Info.Printf("registered operator %s, token valid until %s", cfg.OperatorID, tokens.AccessExp.Format(time.RFC3339))
	}

	ctrl := session.New(api, api, api, camera, enc, session.Config{
		OperatorID: cfg.OperatorID,
		Constraints: capture.Constraints{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			Facing: capture.Facing(cfg.Camera.Facing),
		},
		InitialQuality:     cfg.Encoder.InitialQuality,
		AllowManualPresent: cfg.AllowManualPresent,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      (&station.Server{Session: ctrl, API: api, CORSOrigins: cfg.CORSOrigins}).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info.Printf("station listening on :%s, camera source %s", cfg.HTTPPort, cfg.Camera.Source)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info.Println("shutting down station...")

	if err := ctrl.Cancel(); err != nil {
		logger.Info.Printf("session still submitting at shutdown: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error.Printf("forced shutdown: %v", err)
	}
	logger.Info.Println("station exited")
	return nil
}
