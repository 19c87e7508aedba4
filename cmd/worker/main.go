package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shrimpsizemoose/trekker/logger"

	"rollcall/internal/attendance"
	"rollcall/internal/cloudinary"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker mirrors submitted photos to cloudinary and scores them with the
// face service.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		logger.Error.Fatalf("worker needs a shared queue; QUEUE_BACKEND=memory only works inside the api")
	}
	if cfg.CloudinaryCloud == "" || cfg.CloudinaryKey == "" || cfg.CloudinarySecret == "" {
		logger.Error.Fatalf("cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		logger.Error.Fatalf("redis config invalid: %v", err)
	}
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Info.Printf("face service not available: %v", err)
			logger.Info.Println("photos are still mirrored; face scores stay empty until it is back")
		} else {
			logger.Info.Println("face service connected")
		}
	}

	cdn := cloudinary.New(cfg.CloudinaryCloud, cfg.CloudinaryKey, cfg.CloudinarySecret, cfg.CloudinaryFolder)
	mirror := attendance.NewMirror(attendance.NewRepository(db.Client), cdn, face)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error.Fatalf("queue consume init failed: %v", err)
	}

	logger.Info.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeMarksSubmitted {
			logger.Debug.Printf("ignoring message of type %q", msg.Type)
			continue
		}
		var ev queue.MarksSubmitted
		if err := msg.Decode(&ev); err != nil {
			logger.Error.Printf("bad %s message: %v", msg.Type, err)
			continue
		}

		logger.Info.Printf("mirroring %d marks of %s/%s", len(ev.MarkIDs), ev.ClassID, ev.Date)
		if err := mirror.Process(ctx, ev.MarkIDs); err != nil {
			logger.Error.Printf("mirror %s/%s: %v", ev.ClassID, ev.Date, err)
		}
	}

	logger.Info.Println("worker stopped")
}
