// Command farena-bench owns a fixed-arena allocator and drives a
// synthetic allocate/deallocate workload against it, optionally
// watching a JSON file for live policy changes and optionally serving
// the arena's diagnostic report over HTTP/3.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/arenarun/farena/internal/allocator"
	"github.com/arenarun/farena/internal/cli"
	"github.com/arenarun/farena/internal/farenacfg"
	"github.com/arenarun/farena/internal/farenadiag"
)

func main() {
	var (
		showVersion bool
		jsonOutput  bool
		verbose     bool
		size        int
		policyName  string
		workers     int
		ops         int
		minAlloc    int
		maxAlloc    int
		configFile  string
		diagAddr    string
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version in JSON format")
	flag.BoolVar(&verbose, "verbose", false, "log progress as the workload runs")
	flag.IntVar(&size, "size", 16*1024*1024, "arena size in bytes")
	flag.StringVar(&policyName, "policy", "first-fit", "placement policy: first-fit, next-fit, best-fit, worst-fit")
	flag.IntVar(&workers, "workers", runtime.NumCPU(), "number of concurrent goroutines driving the workload")
	flag.IntVar(&ops, "ops", 20000, "allocate/deallocate operations per worker")
	flag.IntVar(&minAlloc, "min-alloc", 16, "minimum allocation size in bytes")
	flag.IntVar(&maxAlloc, "max-alloc", 4096, "maximum allocation size in bytes")
	flag.StringVar(&configFile, "config", "", "JSON policy file to watch for live policy changes (disabled if empty)")
	flag.StringVar(&diagAddr, "diag-addr", "", "HTTP/3 address to serve /diagnostics on (disabled if empty)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drives a synthetic workload against a fixed-arena allocator.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		cli.PrintVersion("farena-bench", jsonOutput)
		return
	}

	logger := cli.NewLogger(verbose, false)

	policy, ok := allocator.ParsePolicy(policyName)
	if !ok {
		cli.ExitWithError("unrecognized policy %q", policyName)
	}

	if minAlloc <= 0 || maxAlloc < minAlloc {
		cli.ExitWithError("invalid allocation size range [%d, %d]", minAlloc, maxAlloc)
	}

	arena, err := allocator.New(make([]byte, size), policy)
	if err != nil {
		cli.ExitWithError("initializing arena: %v", err)
	}

	if configFile != "" {
		watcher, err := farenacfg.NewPolicyWatcher(configFile, policy)
		if err != nil {
			cli.ExitWithError("watching policy file: %v", err)
		}
		defer watcher.Close()

		go watchPolicy(arena, watcher, logger)
	}

	var diag *farenadiag.Server

	if diagAddr != "" {
		diag, err = farenadiag.New(diagAddr, arena, nil, farenadiag.Options{})
		if err != nil {
			cli.ExitWithError("starting diagnostics server: %v", err)
		}

		bound, err := diag.Start()
		if err != nil {
			cli.ExitWithError("starting diagnostics server: %v", err)
		}

		logger.Info("diagnostics listening on %s", bound)

		defer diag.Stop()
	}

	logger.Info("running %d workers x %d ops against a %d-byte %s arena", workers, ops, size, policy)

	start := time.Now()
	runWorkload(arena, workers, ops, minAlloc, maxAlloc)
	elapsed := time.Since(start)

	if err := arena.Validate(); err != nil {
		cli.ExitWithError("arena failed validation after workload: %v", err)
	}

	blocks := arena.Walk()

	fmt.Printf("completed %d ops across %d workers in %s\n", workers*ops, workers, elapsed)
	fmt.Printf("final block count: %d\n", len(blocks))

	if diag != nil {
		select {
		case err := <-diag.Error():
			logger.Warn("diagnostics server error: %v", err)
		default:
		}
	}
}

func watchPolicy(arena *allocator.FixedArena, watcher *farenacfg.PolicyWatcher, logger *cli.Logger) {
	for {
		select {
		case p, ok := <-watcher.Changes():
			if !ok {
				return
			}

			if err := arena.SetPolicy(p); err != nil {
				logger.Error("applying policy change: %v", err)

				continue
			}

			logger.Info("policy changed to %s", p)
		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}

			logger.Warn("policy file: %v", err)
		}
	}
}

func runWorkload(arena *allocator.FixedArena, workers, ops, minAlloc, maxAlloc int) {
	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()

			rnd := rand.New(rand.NewSource(seed))
			var held [][]byte

			spread := maxAlloc - minAlloc + 1

			for i := 0; i < ops; i++ {
				if len(held) == 0 || rnd.Intn(2) == 0 {
					n := minAlloc + rnd.Intn(spread)
					if data, ok := arena.Allocate(n); ok {
						held = append(held, data)
					}

					continue
				}

				idx := rnd.Intn(len(held))
				arena.Deallocate(held[idx])
				held = append(held[:idx], held[idx+1:]...)
			}

			for _, data := range held {
				arena.Deallocate(data)
			}
		}(int64(w) + time.Now().UnixNano())
	}

	wg.Wait()
}
