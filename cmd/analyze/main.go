package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/storage"
)

func main() {
	var videoID = flag.String("id", "", "Video ID to analyze")
	flag.Parse()

	if *videoID == "" {
		log.Fatal("Please provide video ID with -id flag")
	}

	db, err := database.NewDB(getEnv("DB_PATH", "./vigil.db"))
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	blobStore, err := storage.NewLocalStorage(getEnv("UPLOAD_DIR", "./uploads"))
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}

	videoRepo := database.NewVideoRepository(db)
	predRepo := database.NewPredictionRepository(db)
	modelRepo := database.NewModelConfigRepository(db)

	transport := inference.TransportMode(getEnv("WORKER_TRANSPORT", string(inference.TransportLocalPath)))
	client := inference.NewHTTPClient(getEnv("WORKER_URL", "http://localhost:8001"), transport, 0)

	analyzer := analysis.NewService(videoRepo, predRepo, modelRepo, blobStore, client, analysis.Config{})

	video, err := videoRepo.GetVideoByID(*videoID)
	if err != nil {
		log.Fatal("Failed to get video:", err)
	}
	fmt.Printf("Analyzing video: %s (%s)\n", video.Filename, video.ID)

	start := time.Now()
	prediction, err := analyzer.Analyze(context.Background(), *videoID)
	if err != nil {
		log.Fatal("Analysis failed:", err)
	}

	fmt.Printf("Analysis finished in %s\n\n", time.Since(start).Round(time.Millisecond))

	out, err := json.MarshalIndent(prediction, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode result:", err)
	}
	fmt.Println(string(out))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
