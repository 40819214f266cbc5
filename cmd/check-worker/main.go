package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
)

func main() {
	var (
		workerURL = flag.String("worker", "http://localhost:8001", "Inference worker base URL")
		timeout   = flag.Duration("timeout", 10*time.Second, "Request timeout")
	)
	flag.Parse()

	if env := os.Getenv("WORKER_URL"); env != "" {
		*workerURL = env
	}

	fmt.Println("Checking inference worker")
	fmt.Println("=========================")
	fmt.Printf("Worker URL: %s\n\n", *workerURL)

	client := inference.NewHTTPClient(*workerURL, inference.TransportLocalPath, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		fmt.Printf("Worker unreachable: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Worker is reachable")
	fmt.Printf("  Model loaded: %v\n", status.ModelLoaded)
	if status.ModelLoaded {
		fmt.Printf("  Model path:   %s\n", status.ModelPath)
		fmt.Printf("  Architecture: %s\n", status.Architecture)
	}
	if status.Device != "" {
		fmt.Printf("  Device:       %s\n", status.Device)
	}
	fmt.Println()

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./vigil.db"
	}
	db, err := database.NewDB(dbPath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer db.Close()

	modelRepo := database.NewModelConfigRepository(db)
	model, err := modelRepo.GetActiveModel()
	if err != nil {
		fmt.Println("No active model configured; analysis requests will be rejected")
		return
	}

	fmt.Printf("Active model: %s (%s)\n", model.Name, model.Architecture)
	fmt.Printf("  Inference runs: %d\n", model.InferenceCount)
	if model.InferenceCount > 0 {
		fmt.Printf("  Avg inference time: %.1f ms\n", model.AvgInferenceMS)
	}
}
