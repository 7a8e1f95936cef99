package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/qgallouedec/go-explore/internal/archive"
	"github.com/qgallouedec/go-explore/internal/explore"
	"github.com/qgallouedec/go-explore/internal/metrics"
)

// #region main
func main() {
	dbPath := flag.String("db", "go_explore.db", "path to the archive database")
	timesteps := flag.Int("timesteps", 50_000, "total exploration timesteps")
	updateFreq := flag.Int("update-freq", 3000, "inverse model train/relabel frequency (steps)")
	snapshotDir := flag.String("snapshots", "", "directory for cell scatter dumps (disabled when empty)")
	dim := flag.Int("dim", 2, "point world dimensionality")
	seed := flag.Int64("seed", 1, "RNG seed")
	flag.Parse()

	store, err := archive.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	recorder, err := metrics.NewStoreRecorder(store.DB())
	if err != nil {
		log.Fatalf("open metrics: %v", err)
	}

	env := explore.NewPointWorld(*dim, 200, 50)
	policy := explore.NewUniformPolicy(rand.New(rand.NewSource(*seed)), env.ActionSpace(), 1)

	cfg := explore.DefaultConfig()
	cfg.Seed = *seed
	explorer, err := explore.New(env, policy, cfg)
	if err != nil {
		log.Fatalf("build explorer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = explorer.ExploreWithDefaults(ctx, *timesteps, explore.ExploreOptions{
		UpdateCellFactoryFreq: *updateFreq,
		SnapshotDir:           *snapshotDir,
		Store:                 store,
		Recorder:              metrics.Multi{metrics.LogRecorder{}, recorder},
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("explore: %v", err)
	}

	if err := store.SaveSnapshot(explorer.Archive()); err != nil {
		log.Fatalf("save archive: %v", err)
	}

	fmt.Printf("run %s: %d timesteps, %d transitions, %d cells (snapshot %s)\n",
		explorer.RunID(), explorer.NumTimesteps(), explorer.Archive().Len(),
		explorer.Archive().CellCount(), explorer.Archive().SnapshotID())
}

// #endregion main
