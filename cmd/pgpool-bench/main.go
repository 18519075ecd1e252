package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/riftlabs/pgpool"
	"github.com/riftlabs/pgpool/internal/driver"
	"github.com/riftlabs/pgpool/internal/logging"
)

func main() {
	var (
		host       = flag.String("host", envOr("PGHOST", "localhost"), "PostgreSQL host")
		port       = flag.String("port", envOr("PGPORT", "5432"), "PostgreSQL port")
		user       = flag.String("user", envOr("PGUSER", "postgres"), "PostgreSQL user")
		password   = flag.String("password", envOr("PGPASSWORD", ""), "PostgreSQL password")
		dbname     = flag.String("dbname", envOr("PGDATABASE", "postgres"), "PostgreSQL database")
		poolSize   = flag.Int("pool-size", 4, "number of pooled connections")
		query      = flag.String("query", "", "run this single query once and exit, instead of the stress pattern")
		producers  = flag.Int("producers", 8, "stress mode: number of concurrent producer goroutines")
		iterations = flag.Int("iterations", 1000, "stress mode: iterations per producer, two queries each")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := driver.Params{
		"host":     *host,
		"port":     *port,
		"user":     *user,
		"password": *password,
		"dbname":   *dbname,
	}

	pool := pgpool.New(*poolSize)
	pool.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Run(ctx, params); err != nil {
		log.Fatalf("failed to start pool: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
		pool.Stop()
		os.Exit(0)
	}()

	if *query != "" {
		runOneShot(pool, *query)
		pool.Stop()
		return
	}

	runStress(pool, *producers, *iterations)
	pool.Stop()
	printSnapshot(pool)
}

func runOneShot(pool *pgpool.Pool, sql string) {
	done := make(chan []*pgpool.Result, 1)
	pool.AsyncQuery(pgpool.NewQuery(sql, nil, func(results []*pgpool.Result) {
		done <- results
	}))

	results := <-done
	if results == nil {
		fmt.Println("query dropped: pool shut down before it completed")
		return
	}
	for _, r := range results {
		switch r.Status {
		case pgpool.ErrorResponse:
			fmt.Printf("error: %v\n", r.Err)
		case pgpool.TuplesOK:
			fmt.Printf("%d rows, fields=%v\n", len(r.Rows), r.Fields)
		default:
			fmt.Println("command ok")
		}
	}
}

// runStress reproduces the pool's concurrency stress scenario: N producer
// goroutines each submit M iterations of two back-to-back queries,
// waiting for the total callback count to reach 2*N*M before returning.
func runStress(pool *pgpool.Pool, producers, iterations int) {
	var completed int64
	total := int64(producers * iterations * 2)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				var inner sync.WaitGroup
				inner.Add(2)
				cb := func([]*pgpool.Result) {
					atomic.AddInt64(&completed, 1)
					inner.Done()
				}
				pool.AsyncQuery(pgpool.NewQuery("select 1", nil, cb))
				pool.AsyncQuery(pgpool.NewQuery("select 2", nil, cb))
				inner.Wait()
			}
		}()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	stopTicker := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fmt.Printf("\r%d/%d complete", atomic.LoadInt64(&completed), total)
			case <-stopTicker:
				return
			}
		}
	}()

	wg.Wait()
	close(stopTicker)
	fmt.Printf("\r%d/%d complete in %s\n", atomic.LoadInt64(&completed), total, time.Since(start))
}

func printSnapshot(pool *pgpool.Pool) {
	snap := pool.Metrics.Snapshot()
	fmt.Printf("dispatch_ops=%d dispatch_errors=%d consume_ops=%d results_total=%d\n",
		snap.DispatchOps, snap.DispatchErrors, snap.ConsumeOps, snap.ResultsTotal)
	fmt.Printf("p50=%s p99=%s p999=%s\n",
		time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns), time.Duration(snap.LatencyP999Ns))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
