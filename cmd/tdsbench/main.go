// tdsbench is a connect-and-hammer smoke tool: it dials a server once,
// then runs a SQL batch in a tight loop, reporting throughput and
// latency the way a load-test harness would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ha1tch/tdsgo/pkg/dsn"
	"github.com/ha1tch/tdsgo/pkg/tdslog"
	"github.com/ha1tch/tdsgo/tds"
)

func main() {
	var (
		cfgPath    = flag.String("config", "", "Path to JSON config file")
		dsnStr     = flag.String("dsn", "", "Connection string")
		query      = flag.String("query", "SELECT 1", "SQL batch to run each iteration")
		iterations = flag.Int("n", 1000, "Number of iterations")
		mars       = flag.Bool("mars", false, "Run iterations concurrently over MARS sub-sessions")
		concurrent = flag.Int("sessions", 1, "Number of concurrent MARS sessions (only with -mars)")
	)
	flag.Parse()

	cfg, err := dsn.Load(*cfgPath, *dsnStr)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg.MARS = *mars

	logger := tdslog.Discard()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+30*time.Second)
	defer cancel()

	conn, err := tds.Dial(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	fmt.Printf("connected to %s; running %d iterations of %q\n", cfg.Server, *iterations, *query)

	if !*mars || *concurrent <= 1 {
		runBench(ctx, conn.MainSession(), *query, *iterations)
		return
	}

	runConcurrentBench(ctx, conn, *query, *iterations, *concurrent)
}

func runBench(ctx context.Context, s *tds.Session, query string, iterations int) {
	start := time.Now()
	var worst time.Duration
	for i := 0; i < iterations; i++ {
		iterStart := time.Now()
		if err := execOne(ctx, s, query); err != nil {
			log.Fatalf("iteration %d failed: %v", i, err)
		}
		if d := time.Since(iterStart); d > worst {
			worst = d
		}
	}
	report(iterations, time.Since(start), worst)
}

func runConcurrentBench(ctx context.Context, conn *tds.Connection, query string, iterations, sessions int) {
	perSession := iterations / sessions
	start := time.Now()

	done := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		go func() {
			sess, err := conn.NewSession()
			if err != nil {
				done <- err
				return
			}
			defer sess.Close()
			for j := 0; j < perSession; j++ {
				if err := execOne(ctx, sess, query); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}

	for i := 0; i < sessions; i++ {
		if err := <-done; err != nil {
			log.Fatalf("session failed: %v", err)
		}
	}
	report(perSession*sessions, time.Since(start), 0)
}

// execOne runs query and drains every row of every result set, so the
// benchmark measures a full round trip rather than just the send.
func execOne(ctx context.Context, s *tds.Session, query string) error {
	batch, err := s.ExecBatch(ctx, query)
	if err != nil {
		return err
	}
	for {
		more, err := batch.Next(ctx)
		if err != nil {
			return err
		}
		if more {
			continue
		}
		more, err = batch.NextResultSet(ctx)
		if err != nil || !more {
			return err
		}
	}
}

func report(n int, total, worst time.Duration) {
	fmt.Printf("ran %d iterations in %s (%.1f/s)\n", n, total, float64(n)/total.Seconds())
	if worst > 0 {
		fmt.Printf("worst iteration latency: %s\n", worst)
	}
}
