package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpu-job-fetcher/api/rest/handlers"
	"gpu-job-fetcher/api/rest/routes"
	"gpu-job-fetcher/core/spec"
)

func main() {
	port := flag.String("port", "8080", "port to listen on")
	jobs := flag.String("jobs", "", "YAML file with jobs and files to seed")
	clientID := flag.String("cognito-client-id", "", "cognito app client id served on /access_info")
	region := flag.String("cognito-region", "eu-central-1", "cognito region served on /access_info")
	flag.Parse()

	store := handlers.NewStore()
	if *clientID != "" {
		store.SetAccessInfo(map[string]interface{}{
			"cognito": map[string]interface{}{
				"client_id": *clientID,
				"region":    *region,
			},
		})
	}
	if *jobs != "" {
		if err := seed(store, *jobs); err != nil {
			log.Fatalf("Failed to seed jobs: %v", err)
		}
	}

	server := &http.Server{
		Addr:    ":" + *port,
		Handler: routes.NewRouter(store),
	}

	// Graceful shutdown
	go func() {
		log.Printf("Starting mock coordinator on port %s", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}

func seed(store *handlers.Store, path string) error {
	s, err := spec.LoadSeed(path)
	if err != nil {
		return err
	}
	for id, file := range s.Files {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		store.AddFile(id, data)
	}
	for id, job := range s.Jobs {
		store.AddJob(id, job)
	}
	log.Printf("Seeded %d jobs and %d files from %s", len(s.Jobs), len(s.Files), path)
	return nil
}
