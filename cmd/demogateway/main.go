// Command demogateway starts a self-contained demo gateway for exercising
// the client against a realistic REST surface without real hardware.
// Usage: go run ./cmd/demogateway [addr]
// Default listen address: :9090
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/forgeline/gwbridge/internal/demogateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

func main() {
	cfg := demogateway.DefaultConfig()
	if len(os.Args) > 1 {
		cfg.ListenAddr = os.Args[1]
	}

	logger := logging.NewStdoutLogger("demogateway")
	server, err := demogateway.NewServer(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start demo gateway: %v", err)
	}
	defer server.Close()

	if err := seed(server.Store()); err != nil {
		log.Fatalf("Failed to seed demo data: %v", err)
	}

	fmt.Println("===========================================")
	fmt.Println("   gwbridge Demo Gateway")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Printf("Listening on %s\n", cfg.ListenAddr)
	fmt.Printf("Bearer token: %s\n", cfg.Token)
	fmt.Println()
	fmt.Println("Seeded data:")
	fmt.Println("  - Project 'waterworks' with views and scripts")
	fmt.Println("  - Tags under Pumps/ and Valves/")
	fmt.Println()
	fmt.Println("Try:")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost%s/projects\n", cfg.Token, cfg.ListenAddr)
	fmt.Println()

	httpServer := server.HTTPServer()
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func seed(store *demogateway.Store) error {
	ctx := context.Background()

	if err := store.CreateProject(ctx, demogateway.ProjectRecord{
		Name:        "waterworks",
		Title:       "Waterworks HMI",
		Description: "Pump station monitoring and control",
		Status:      "Running",
	}); err != nil {
		return err
	}

	resources := []demogateway.ResourceRecord{
		{Type: "view", Path: "overview/station.json", Content: []byte(`{"root":{"type":"flex","children":[]}}`)},
		{Type: "view", Path: "detail/pump.json", Content: []byte(`{"root":{"type":"coord","children":[]}}`)},
		{Type: "script", Path: "startup.py", Content: []byte("def on_startup():\n    pass\n")},
	}
	for _, r := range resources {
		if _, err := store.PutResource(ctx, "waterworks", r.Type, r.Path, r.Content, ""); err != nil {
			return err
		}
	}

	tags := []demogateway.TagRecord{
		{Path: "Pumps/P101/Speed", DataType: "Float64", Value: 1480.5},
		{Path: "Pumps/P101/Running", DataType: "Bool", Value: true},
		{Path: "Pumps/P102/Speed", DataType: "Float64", Value: 0.0},
		{Path: "Valves/V201/Open", DataType: "Bool", Value: false},
		{Path: "Valves/V201/Position", DataType: "Int32", Value: 0},
		{Path: "Station/Name", DataType: "String", Value: "North Pump Station"},
		{Path: "Station/LastService", DataType: "DateTime", Value: time.Now().Format(time.RFC3339)},
	}
	for _, t := range tags {
		if err := store.CreateTag(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
