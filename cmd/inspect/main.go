package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/qgallouedec/go-explore/internal/archive"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to go_explore.db")
	topCells := flag.Int("cells", 20, "show N most visited cells")
	recomputes := flag.Int("recomputes", 10, "show N most recent relabel events")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/go_explore.db [--cells N] [--recomputes N]")
		os.Exit(2)
	}

	store, err := archive.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := run(store, *topCells, *recomputes); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region report

func run(store *archive.Store, topCells, recomputes int) error {
	transitions, err := store.LoadTransitions()
	if err != nil {
		return err
	}
	records, err := store.LoadCellRecords()
	if err != nil {
		return err
	}

	fmt.Printf("transitions: %d\n", len(transitions))
	fmt.Printf("cells:       %d\n\n", len(records))

	fmt.Println("cell                 count  best_slot")
	for i, rec := range records {
		if i >= topCells {
			fmt.Printf("... and %d more\n", len(records)-topCells)
			break
		}
		fmt.Printf("%-20s %5d  %9d\n", rec.CellKey, rec.Count, rec.BestSlot)
	}

	entries, err := store.Recomputes(recomputes)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Println("\nrelabel history (most recent first)")
		for _, e := range entries {
			fmt.Printf("%s  snapshot=%s transitions=%d cells=%d\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.SnapshotID, e.Transitions, e.Cells)
		}
	}
	return nil
}

// #endregion report
