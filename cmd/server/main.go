package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/avelkov/vigil/internal/alerts"
	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/api"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/realtime"
	"github.com/avelkov/vigil/internal/storage"
)

func main() {
	port := getEnv("PORT", "8080")

	maxUploadSize := getEnv("MAX_UPLOAD_SIZE", "524288000")
	maxSize, err := strconv.ParseInt(maxUploadSize, 10, 64)
	if err != nil {
		log.Fatal("Invalid MAX_UPLOAD_SIZE:", err)
	}

	uploadDir := getEnv("UPLOAD_DIR", "./uploads")
	dbPath := getEnv("DB_PATH", "./vigil.db")
	migrationsPath := getEnv("MIGRATIONS_PATH", "./migrations")

	workerURL := getEnv("WORKER_URL", "http://localhost:8001")
	transport := inference.TransportMode(getEnv("WORKER_TRANSPORT", string(inference.TransportLocalPath)))
	if transport != inference.TransportLocalPath && transport != inference.TransportUpload {
		log.Fatalf("Invalid WORKER_TRANSPORT %q: must be %q or %q",
			transport, inference.TransportLocalPath, inference.TransportUpload)
	}

	workerTimeout := 120 * time.Second
	if v := os.Getenv("WORKER_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			log.Fatal("Invalid WORKER_TIMEOUT_SECONDS:", err)
		}
		workerTimeout = time.Duration(seconds) * time.Second
	}

	channelURL := getEnv("CHANNEL_URL", "ws://localhost:8001/ws")

	numFrames := 32
	if v := os.Getenv("NUM_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatal("Invalid NUM_FRAMES:", err)
		}
		numFrames = n
	}

	blobStore, err := storage.NewLocalStorage(uploadDir)
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}

	db, err := database.NewDB(dbPath)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	if _, err := os.Stat(migrationsPath); err == nil {
		log.Printf("Running database migrations from %s", migrationsPath)
		if err := db.RunMigrations(migrationsPath); err != nil {
			log.Fatal("Failed to run migrations:", err)
		}
	}

	videoRepo := database.NewVideoRepository(db)
	predRepo := database.NewPredictionRepository(db)
	modelRepo := database.NewModelConfigRepository(db)

	workerClient := inference.NewHTTPClient(workerURL, transport, workerTimeout)

	analyzer := analysis.NewService(videoRepo, predRepo, modelRepo, blobStore, workerClient,
		analysis.Config{NumFrames: numFrames})

	manager := realtime.NewManager(realtime.Config{URL: channelURL})
	alertCenter := alerts.NewCenter(alerts.Config{})

	// The server itself is the first subscriber, so the channel stays up
	// for the process lifetime and alerts keep flowing with no UI attached.
	sub := manager.Subscribe(alertCenter.Handle)
	defer sub.Close()

	app := &api.App{
		Store:         blobStore,
		VideoRepo:     videoRepo,
		PredRepo:      predRepo,
		ModelRepo:     modelRepo,
		Analyzer:      analyzer,
		Inference:     workerClient,
		Realtime:      manager,
		Alerts:        alertCenter,
		MaxUploadSize: maxSize,
	}

	router := api.NewRouter(app)

	log.Printf("Server starting on port %s", port)
	log.Printf("Upload directory: %s", uploadDir)
	log.Printf("Database path: %s", dbPath)
	log.Printf("Worker: %s (transport: %s)", workerURL, transport)
	log.Printf("Channel: %s", channelURL)
	log.Printf("Max upload size: %d bytes", maxSize)

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal(err)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
