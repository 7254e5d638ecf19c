// Command radius-loadtest runs authentication load tests against a RADIUS
// server through the radcore client.
//
// Usage:
//
//	radius-loadtest -server 192.168.1.10 -secret testing123 -duration 60s -concurrency 50
//
// Generated subscribers are named user-00000, user-00001, ... and all use
// the -password value; the server under test must know them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/test/load"
	"go.uber.org/zap"
)

func main() {
	server := flag.String("server", "127.0.0.1", "RADIUS server host")
	port := flag.Int("port", radius.DefaultAuthPort, "RADIUS authentication port")
	secret := flag.String("secret", "testing123", "RADIUS shared secret")
	nasIP := flag.String("nas-ip", "127.0.0.1", "NAS-IP-Address to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	subscribers := flag.Int("subscribers", 1000, "Number of generated subscribers")
	password := flag.String("password", "loadtest", "Password for every generated subscriber")
	warmup := flag.Duration("warmup", 5*time.Second, "Warmup duration")
	timeout := flag.Duration("timeout", 2*time.Second, "Per-attempt reply timeout")
	retries := flag.Int("retries", 2, "Retransmissions per request")
	jsonOutput := flag.Bool("json", false, "Output results as JSON")
	validateTargets := flag.Bool("validate", false, "Exit with non-zero if targets not met")
	verbose := flag.Bool("v", false, "Log benchmark progress")

	flag.Parse()

	cfg := &load.BenchmarkConfig{
		Server: radius.ServerConfig{
			Host:     *server,
			AuthPort: *port,
			Secret:   *secret,
		},
		NASIPAddress:      *nasIP,
		Concurrency:       *concurrency,
		Duration:          *duration,
		RequestsPerSecond: *rps,
		Subscribers:       *subscribers,
		Password:          *password,
		WarmupDuration:    *warmup,
		Timeout:           *timeout,
		Retries:           *retries,
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	benchmark, err := load.NewBenchmark(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, stopping benchmark...")
		cancel()
	}()

	if !*jsonOutput {
		fmt.Println("Starting RADIUS Load Test")
		fmt.Printf("Server: %s:%d\n", *server, *port)
		fmt.Printf("Duration: %s (+ %s warmup)\n", cfg.Duration, cfg.WarmupDuration)
		fmt.Printf("Concurrency: %d workers\n", cfg.Concurrency)
		fmt.Println()
	}

	result, err := benchmark.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		printJSON(result)
	} else {
		result.PrintReport()
	}

	if *validateTargets {
		if !result.MeetsTargets() {
			fmt.Println("\nWARNING: Performance targets not met!")
			os.Exit(1)
		}
		fmt.Println("\nAll performance targets met!")
	}
}

type jsonLatency struct {
	MinUS float64 `json:"min_us"`
	AvgUS float64 `json:"avg_us"`
	P50US float64 `json:"p50_us"`
	P95US float64 `json:"p95_us"`
	P99US float64 `json:"p99_us"`
	MaxUS float64 `json:"max_us"`
}

type jsonResult struct {
	DurationSeconds   float64     `json:"duration_seconds"`
	Requests          uint64      `json:"requests"`
	Accepted          uint64      `json:"accepted"`
	Rejected          uint64      `json:"rejected"`
	Challenged        uint64      `json:"challenged"`
	Unreachable       uint64      `json:"unreachable"`
	Errors            uint64      `json:"errors"`
	RequestsPerSecond float64     `json:"requests_per_second"`
	Latency           jsonLatency `json:"latency"`
	TargetsMet        bool        `json:"targets_met"`
}

func micros(d time.Duration) float64 {
	return float64(d.Microseconds())
}

func printJSON(r *load.BenchmarkResult) {
	out := jsonResult{
		DurationSeconds:   r.Duration.Seconds(),
		Requests:          r.Requests,
		Accepted:          r.Accepted,
		Rejected:          r.Rejected,
		Challenged:        r.Challenged,
		Unreachable:       r.Unreachable,
		Errors:            r.Errors,
		RequestsPerSecond: r.RequestsPerSecond,
		Latency: jsonLatency{
			MinUS: micros(r.LatencyMin),
			AvgUS: micros(r.LatencyAvg),
			P50US: micros(r.LatencyP50),
			P95US: micros(r.LatencyP95),
			P99US: micros(r.LatencyP99),
			MaxUS: micros(r.LatencyMax),
		},
		TargetsMet: r.MeetsTargets(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode results: %v\n", err)
	}
}
