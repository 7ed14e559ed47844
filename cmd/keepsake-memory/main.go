// Command keepsake-memory manages per-tenant structured memory from the
// command line: seeding tenants, ingesting updates, inspecting state, and
// rendering the memory document.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/engine"
	"github.com/scrypster/keepsake/internal/importer"
	"github.com/scrypster/keepsake/internal/notify"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/postgres"
	"github.com/scrypster/keepsake/internal/storage/sqlite"
	"github.com/scrypster/keepsake/pkg/types"
)

var (
	tenant     = flag.String("tenant", "", "Tenant ID the operation applies to")
	seedPath   = flag.String("seed", "", "Seed tenant memory from a YAML file and exit")
	ingestPath = flag.String("ingest", "", "Ingest a JSON batch file ('-' for stdin) and exit")
	renderCmd  = flag.Bool("render", false, "Recompile and print the memory document and exit")
	showCmd    = flag.String("show", "", "Print state and exit: profile, concerns, episodes, memory")
	concernKey = flag.String("concern", "", "Concern key for -status")
	statusVal  = flag.String("status", "", "Move a concern to this status: improving, resolved, escalated")
	watchCmd   = flag.Bool("watch", false, "Watch for memory update events until interrupted")
)

// ingestFile is the JSON shape accepted by -ingest.
type ingestFile struct {
	Profile  map[string]any          `json:"profile,omitempty"`
	Episode  *engine.EpisodeInput    `json:"episode,omitempty"`
	Concerns []storage.ConcernUpsert `json:"concerns,omitempty"`
	Render   *bool                   `json:"render,omitempty"`
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *watchCmd {
		runWatch(cfg)
		return
	}

	if *tenant == "" {
		log.Fatal("The -tenant flag is required")
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	eng, err := engine.NewEngine(store, engine.Config{
		RenderEpisodeCount: cfg.Engine.RenderEpisodeCount,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	// Other processes learn about memory changes through event files.
	writer := notify.NewEventWriter(cfg.Storage.DataPath)
	eng.SetOnRendered(func(tenantID, content string) {
		if err := writer.Notify(notify.EventMemoryUpdated, tenantID); err != nil {
			log.Printf("Failed to write update event: %v", err)
		}
	})
	eng.SetOnConcernAlert(func(tenantID, concernKey string, severity types.Severity) {
		if err := writer.Notify(notify.EventConcernAlert, tenantID); err != nil {
			log.Printf("Failed to write alert event for concern %s: %v", concernKey, err)
		}
	})

	ctx := context.Background()

	switch {
	case *seedPath != "":
		runSeed(ctx, eng, *seedPath)
	case *ingestPath != "":
		runIngest(ctx, eng, *ingestPath)
	case *renderCmd:
		runRender(ctx, eng)
	case *showCmd != "":
		runShow(ctx, eng, *showCmd)
	case *statusVal != "":
		runStatus(ctx, eng)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.StorageEngine == "postgres" {
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, "keepsake.db"))
}

func runSeed(ctx context.Context, eng *engine.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read seed file: %v", err)
	}
	seed, err := importer.ParseSeed(data)
	if err != nil {
		log.Fatalf("Invalid seed file: %v", err)
	}
	if seed.Tenant != *tenant {
		log.Fatalf("Seed file is for tenant %q, not %q", seed.Tenant, *tenant)
	}

	opts, err := seed.IngestOptions()
	if err != nil {
		log.Fatalf("Invalid seed profile: %v", err)
	}
	result, err := eng.Ingest(ctx, seed.Tenant, opts)
	if err != nil {
		log.Fatalf("Seed ingest failed: %v", err)
	}
	log.Printf("Seeded tenant %s: %d concerns, rendered=%v", seed.Tenant, len(result.Concerns), result.Rendered)
}

func runIngest(ctx context.Context, eng *engine.Engine, path string) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		log.Fatalf("Failed to read ingest input: %v", err)
	}

	var in ingestFile
	if err := json.Unmarshal(data, &in); err != nil {
		log.Fatalf("Invalid ingest input: %v", err)
	}

	opts := engine.IngestOptions{
		Episode:  in.Episode,
		Concerns: in.Concerns,
		Render:   in.Render,
	}
	if len(in.Profile) > 0 {
		pd, err := types.ProfileDataFromMap(in.Profile)
		if err != nil {
			log.Fatalf("Invalid profile updates: %v", err)
		}
		opts.ProfileUpdates = &pd
	}

	result, err := eng.Ingest(ctx, *tenant, opts)
	if err != nil {
		log.Fatalf("Ingest failed: %v", err)
	}
	printJSON(result)
}

func runRender(ctx context.Context, eng *engine.Engine) {
	rendered, err := eng.RenderMemoryFile(ctx, *tenant)
	if err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	if !rendered {
		log.Printf("Nothing to render for tenant %s", *tenant)
		return
	}
	doc, err := eng.GetMemoryFile(ctx, *tenant)
	if err != nil {
		log.Fatalf("Failed to read rendered document: %v", err)
	}
	fmt.Print(doc)
}

func runShow(ctx context.Context, eng *engine.Engine, what string) {
	switch what {
	case "profile":
		profile, err := eng.GetProfile(ctx, *tenant)
		if err != nil {
			log.Fatalf("Failed to load profile: %v", err)
		}
		printJSON(profile)
	case "concerns":
		concerns, err := eng.GetAllConcerns(ctx, *tenant)
		if err != nil {
			log.Fatalf("Failed to load concerns: %v", err)
		}
		printJSON(concerns)
	case "episodes":
		episodes, err := eng.GetRecentEpisodes(ctx, *tenant, storage.EpisodeQuery{})
		if err != nil {
			log.Fatalf("Failed to load episodes: %v", err)
		}
		printJSON(episodes)
	case "memory":
		doc, err := eng.GetMemoryFile(ctx, *tenant)
		if err != nil {
			log.Fatalf("Failed to load memory document: %v", err)
		}
		fmt.Print(doc)
	default:
		log.Fatalf("Unknown -show target %q (want profile, concerns, episodes, or memory)", what)
	}
}

func runStatus(ctx context.Context, eng *engine.Engine) {
	if *concernKey == "" {
		log.Fatal("The -concern flag is required with -status")
	}
	n, err := eng.UpdateConcernStatus(ctx, *tenant, *concernKey, types.ConcernStatus(*statusVal))
	if err != nil {
		log.Fatalf("Status update failed: %v", err)
	}
	if n == 0 {
		log.Fatalf("No change: unknown concern %q or rejected status %q", *concernKey, *statusVal)
	}
	log.Printf("Concern %s moved to %s", *concernKey, *statusVal)
}

func runWatch(cfg *config.Config) {
	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(eventType, tenantID string) {
		log.Printf("event %s tenant=%s", eventType, tenantID)
	})
	if err := watcher.Start(); err != nil {
		log.Fatalf("Failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down watcher")
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(out))
}

