// ferrokvctl inspects a ferrokv data file and, via its serve subcommand,
// exposes its Prometheus metrics for a long-running process holding the
// file open.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferrokv/ferrokv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "stat":
		runStat(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ferrokvctl <stat|serve> -db <path> [flags]")
}

func runStat(args []string) {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	dbPath := fs.String("db", "ferrokv.db", "database file path")
	fs.Parse(args)

	db, err := ferrokv.Open(*dbPath, ferrokv.Options{ReadOnly: true})
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	stat, err := db.Stat()
	if err != nil {
		log.Fatalf("stat: %v", err)
	}
	fmt.Printf("page_size:         %d\n", stat.PageSize)
	fmt.Printf("page_count:        %d\n", stat.PageCount)
	fmt.Printf("free_page_count:   %d\n", stat.FreePageCount)
	fmt.Printf("pending_pages:     %d\n", stat.PendingPages)
	fmt.Printf("tx_id:             %d\n", stat.TxID)
	fmt.Printf("top_level_buckets: %d\n", stat.TopLevelBucket)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "ferrokv.db", "database file path")
	addr := fs.String("addr", ":9090", "metrics listen address")
	checkpointInterval := fs.Int("checkpoint-interval", 1, "commits between WAL checkpoints")
	fs.Parse(args)

	zlog := zerolog.New(os.Stderr).With().Timestamp().Str("service", "ferrokvctl").Logger()
	m := ferrokv.NewMetrics()

	db, err := ferrokv.Open(*dbPath, ferrokv.Options{
		Logger:             zlog,
		Metrics:            m,
		CheckpointInterval: *checkpointInterval,
	})
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *addr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("ferrokvctl: shutting down")
		srv.Close()
	}()

	log.Printf("ferrokvctl: serving metrics on %s for %s", *addr, *dbPath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}
