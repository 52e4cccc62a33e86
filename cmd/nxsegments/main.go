// nxsegments prints the segment composition of an index directory: the
// metadata snapshot plus per-segment document and deletion counts. Useful
// when diagnosing merge behavior or verifying a recovery.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/INLOpen/nexussearch/metastore"
	"github.com/INLOpen/nexussearch/segment"
	"github.com/INLOpen/nexussearch/view"
)

func main() {
	dir := flag.String("dir", "index", "index directory")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*dir, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(dir string, logger *slog.Logger) error {
	store, err := metastore.Open(dir, logger)
	if err != nil {
		return err
	}
	snap := store.Snapshot()
	fmt.Printf("metadata generation %d, name counter %d, %d segment(s)\n\n",
		snap.Generation, snap.Counter, len(snap.Entries))

	var ticks view.TickCounter
	var totalDocs, totalLive uint64
	for _, info := range snap.Entries {
		r, err := segment.Open(segment.ReaderOptions{
			Dir:          dir,
			Name:         info.Name,
			Logger:       logger,
			CreationTick: ticks.Next(),
		})
		if err != nil {
			fmt.Printf("%-10s gen %-4d UNREADABLE: %v\n", info.Name, info.Generation, err)
			continue
		}
		docs := r.DocumentCount()
		live := r.LiveDocumentCount()
		fmt.Printf("%-10s gen %-4d docs %-8d live %-8d deleted %d\n",
			info.Name, info.Generation, docs, live, docs-live)
		totalDocs += uint64(docs)
		totalLive += uint64(live)
	}
	fmt.Printf("\ntotal docs %d, live %d\n", totalDocs, totalLive)
	return nil
}
