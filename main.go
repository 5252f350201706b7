// A runnable walkthrough against an in-process demo gateway. Starts the
// gateway on an httptest listener, then exercises projects, resources,
// tags and module deployment through the client services.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeline/gwbridge/internal/demogateway"
	"github.com/forgeline/gwbridge/internal/deploy"
	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
	"github.com/forgeline/gwbridge/internal/project"
	"github.com/forgeline/gwbridge/internal/resource"
	"github.com/forgeline/gwbridge/internal/tag"
)

func main() {
	logger := logging.NewStdoutLogger("demo")

	gwcfg := demogateway.DefaultConfig()
	gwcfg.DeployStepEvery = 200 * time.Millisecond
	gw, err := demogateway.NewServer(gwcfg, logger)
	if err != nil {
		log.Fatalf("starting demo gateway: %v", err)
	}
	defer gw.Close()

	ts := httptest.NewServer(gw)
	defer ts.Close()

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = ts.URL
	tokens := gateway.NewStaticTokenStore(gwcfg.Token)
	client, err := gateway.New(cfg, tokens, logger, nil)
	if err != nil {
		log.Fatalf("building client: %v", err)
	}

	ctx := context.Background()

	// Projects.
	projects := project.NewService(client, logger)
	p, err := projects.Create(ctx, "waterworks", project.WithTitle("Waterworks HMI"))
	if err != nil {
		log.Fatalf("creating project: %v", err)
	}
	fmt.Printf("created project %q (%s)\n", p.Name, p.Status)

	// Resources with optimistic concurrency.
	resources := resource.NewService(client, logger)
	key := resource.Key{Project: "waterworks", Type: "view", Path: "overview/station.json"}
	put, err := resources.Put(ctx, key, []byte(`{"root":{"type":"flex"}}`))
	if err != nil {
		log.Fatalf("putting resource: %v", err)
	}
	fmt.Printf("wrote %s, version %s\n", key, put.Version)

	got, err := resources.Get(ctx, key)
	if err != nil {
		log.Fatalf("getting resource: %v", err)
	}
	fmt.Printf("read %s, %d bytes, from cache: %v\n", key, len(got.Content), got.FromCache)

	if _, err := resources.Put(ctx, key, []byte(`{"root":{"type":"coord"}}`),
		resource.WithExpectedVersion(put.Version)); err != nil {
		log.Fatalf("conditional put: %v", err)
	}
	fmt.Println("conditional put with matching version token succeeded")

	// Tags.
	if err := gw.Store().CreateTag(ctx, demogateway.TagRecord{
		Path: "Pumps/P101/Speed", DataType: "Float64", Value: 1480.5,
	}); err != nil {
		log.Fatalf("seeding tag: %v", err)
	}
	tags := tag.NewService(client, logger)
	reads, err := tags.ReadMany(ctx, []string{"Pumps/P101/Speed"})
	if err != nil {
		log.Fatalf("reading tags: %v", err)
	}
	fmt.Printf("tag %s = %v (%s)\n", reads[0].Path, reads[0].Tag.Value, reads[0].Tag.Quality)

	// Export the project to a zip archive.
	dir, err := os.MkdirTemp("", "gwbridge-demo-*")
	if err != nil {
		log.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)
	archivePath := filepath.Join(dir, "waterworks.zip")
	if err := projects.Export(ctx, "waterworks", archivePath); err != nil {
		log.Fatalf("exporting project: %v", err)
	}
	info, _ := os.Stat(archivePath)
	fmt.Printf("exported project to %s (%d bytes)\n", archivePath, info.Size())

	// Deploy a module and follow the state machine.
	modulePath := filepath.Join(dir, "alarm-notify.modl")
	if err := os.WriteFile(modulePath, []byte("module payload"), 0o644); err != nil {
		log.Fatalf("writing module file: %v", err)
	}
	deployer := deploy.NewService(client, deploy.Config{
		PollInterval: 100 * time.Millisecond,
		Deadline:     10 * time.Second,
	}, logger)
	result, err := deployer.Deploy(ctx, modulePath, "alarm-notify", "1.0.0")
	if err != nil {
		log.Fatalf("deploying module: %v", err)
	}
	fmt.Printf("module %s reached %s via %v\n", result.Module.Name, result.State, result.Transitions)
}
