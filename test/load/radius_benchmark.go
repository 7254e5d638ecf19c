// Package load provides load testing utilities for RADIUS client performance
// validation.
//
// The benchmark drives the authentication client against a RADIUS server
// with a pool of generated subscribers and reports throughput and latency
// against the project targets:
//   - 5,000+ Access-Requests/sec from a single client process
//   - <20ms P99 round-trip latency on a local network
//   - <1% unreachable results at the configured timeout and retries
package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Performance targets.
const (
	TargetRequestsPerSecond = 5000
	TargetLatencyP99        = 20 * time.Millisecond
	TargetUnreachableRate   = 0.01
)

// BenchmarkConfig configures the RADIUS load test
type BenchmarkConfig struct {
	// Server is the RADIUS server under test
	Server radius.ServerConfig

	// NASIPAddress is sent in every Access-Request
	NASIPAddress string

	// Concurrency is the number of concurrent workers
	Concurrency int

	// Duration is how long to run the test
	Duration time.Duration

	// RequestsPerSecond is the target RPS (0 for unlimited)
	RequestsPerSecond int

	// Subscribers is the number of generated usernames (user-00000 ...)
	Subscribers int

	// Password is the password every generated subscriber uses
	Password string

	// WarmupDuration is the time to warm up before measuring
	WarmupDuration time.Duration

	// Timeout and Retries configure the client exchange
	Timeout time.Duration
	Retries int
}

// DefaultConfig returns a default benchmark configuration
func DefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		Server: radius.ServerConfig{
			Host:   "127.0.0.1",
			Secret: "testing123",
		},
		NASIPAddress:   "127.0.0.1",
		Concurrency:    50,
		Duration:       30 * time.Second,
		Subscribers:    1000,
		Password:       "loadtest",
		WarmupDuration: 5 * time.Second,
		Timeout:        2 * time.Second,
		Retries:        2,
	}
}

// BenchmarkResult contains the results of a RADIUS load test
type BenchmarkResult struct {
	Config *BenchmarkConfig

	// Duration is the actual test duration (excluding warmup)
	Duration time.Duration

	Requests    uint64
	Accepted    uint64
	Rejected    uint64
	Challenged  uint64
	Unreachable uint64
	Errors      uint64

	RequestsPerSecond float64
	UnreachableRate   float64

	Latencies  []time.Duration
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
	LatencyMin time.Duration
	LatencyAvg time.Duration
}

// Benchmark runs a RADIUS authentication load test
type Benchmark struct {
	config *BenchmarkConfig
	logger *zap.Logger
	client *radius.AuthClient

	requests    uint64
	accepted    uint64
	rejected    uint64
	challenged  uint64
	unreachable uint64
	errors      uint64

	latencies   []time.Duration
	latenciesMu sync.Mutex

	usernames []string
}

// NewBenchmark creates a new RADIUS benchmark. Sessions created by accepted
// requests go into an in-memory store that is discarded with the benchmark.
func NewBenchmark(config *BenchmarkConfig, logger *zap.Logger) (*Benchmark, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency <= 0 {
		return nil, errors.New("concurrency must be positive")
	}
	if config.Subscribers <= 0 {
		return nil, errors.New("subscribers must be positive")
	}

	client, err := radius.NewAuthClient(radius.ClientConfig{
		Server:        config.Server,
		NASIPAddress:  config.NASIPAddress,
		NASIdentifier: "radcore-loadtest",
		Timeout:       config.Timeout,
		Retries:       config.Retries,
	}, state.NewMemoryStore(zap.NewNop()), zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}

	return &Benchmark{
		config:    config,
		logger:    logger,
		client:    client,
		usernames: GenerateUsernames(config.Subscribers),
	}, nil
}

// GenerateUsernames returns count distinct subscriber names.
func GenerateUsernames(count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("user-%05d", i)
	}
	return names
}

// Run executes the benchmark
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	b.logger.Info("Starting RADIUS benchmark",
		zap.Int("concurrency", b.config.Concurrency),
		zap.String("server", b.config.Server.Host),
		zap.Duration("duration", b.config.Duration),
		zap.Int("subscribers", b.config.Subscribers),
	)

	ctx, cancel := context.WithTimeout(ctx, b.config.Duration+b.config.WarmupDuration+time.Minute)
	defer cancel()

	b.reset()

	var rateLimiter <-chan time.Time
	if b.config.RequestsPerSecond > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(b.config.RequestsPerSecond))
		defer ticker.Stop()
		rateLimiter = ticker.C
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(workerCtx)
	for i := 0; i < b.config.Concurrency; i++ {
		g.Go(func() error {
			b.worker(gctx, rateLimiter)
			return nil
		})
	}

	if b.config.WarmupDuration > 0 {
		b.logger.Info("Warmup phase", zap.Duration("duration", b.config.WarmupDuration))
		select {
		case <-time.After(b.config.WarmupDuration):
		case <-ctx.Done():
			workerCancel()
			_ = g.Wait()
			return nil, ctx.Err()
		}
		b.reset()
		b.logger.Info("Warmup complete, starting measurement phase")
	}

	startTime := time.Now()
	select {
	case <-time.After(b.config.Duration):
	case <-ctx.Done():
	}

	workerCancel()
	_ = g.Wait()

	return b.calculateResults(time.Since(startTime)), nil
}

func (b *Benchmark) reset() {
	atomic.StoreUint64(&b.requests, 0)
	atomic.StoreUint64(&b.accepted, 0)
	atomic.StoreUint64(&b.rejected, 0)
	atomic.StoreUint64(&b.challenged, 0)
	atomic.StoreUint64(&b.unreachable, 0)
	atomic.StoreUint64(&b.errors, 0)
	b.latenciesMu.Lock()
	b.latencies = make([]time.Duration, 0, 100000)
	b.latenciesMu.Unlock()
}

// worker sends Access-Requests until ctx is done
func (b *Benchmark) worker(ctx context.Context, rateLimiter <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-ctx.Done():
				return
			}
		}

		req := &radius.AuthRequest{
			Username: b.usernames[rand.Intn(len(b.usernames))],
			Password: b.config.Password,
		}

		start := time.Now()
		result, err := b.client.Authenticate(ctx, req)
		latency := time.Since(start)

		if ctx.Err() != nil {
			// Cancelled mid-exchange; not a server failure.
			return
		}

		atomic.AddUint64(&b.requests, 1)
		b.record(result, err, latency)
	}
}

func (b *Benchmark) record(result *radius.AuthResult, err error, latency time.Duration) {
	if result == nil {
		atomic.AddUint64(&b.errors, 1)
		return
	}

	switch result.Status {
	case radius.AuthUnreachable:
		atomic.AddUint64(&b.unreachable, 1)
		return
	case radius.AuthAccepted:
		atomic.AddUint64(&b.accepted, 1)
	case radius.AuthChallenged:
		atomic.AddUint64(&b.challenged, 1)
	case radius.AuthRejected:
		if err != nil {
			atomic.AddUint64(&b.errors, 1)
			return
		}
		atomic.AddUint64(&b.rejected, 1)
	}

	b.latenciesMu.Lock()
	b.latencies = append(b.latencies, latency)
	b.latenciesMu.Unlock()
}

// calculateResults calculates benchmark results from collected data
func (b *Benchmark) calculateResults(duration time.Duration) *BenchmarkResult {
	requests := atomic.LoadUint64(&b.requests)
	unreachable := atomic.LoadUint64(&b.unreachable)

	result := &BenchmarkResult{
		Config:      b.config,
		Duration:    duration,
		Requests:    requests,
		Accepted:    atomic.LoadUint64(&b.accepted),
		Rejected:    atomic.LoadUint64(&b.rejected),
		Challenged:  atomic.LoadUint64(&b.challenged),
		Unreachable: unreachable,
		Errors:      atomic.LoadUint64(&b.errors),
	}
	if duration > 0 {
		result.RequestsPerSecond = float64(requests) / duration.Seconds()
	}
	if requests > 0 {
		result.UnreachableRate = float64(unreachable) / float64(requests)
	}

	b.latenciesMu.Lock()
	latencies := make([]time.Duration, len(b.latencies))
	copy(latencies, b.latencies)
	b.latenciesMu.Unlock()

	if len(latencies) == 0 {
		return result
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	result.Latencies = latencies
	result.LatencyMin = latencies[0]
	result.LatencyMax = latencies[len(latencies)-1]
	result.LatencyP50 = percentile(latencies, 0.50)
	result.LatencyP95 = percentile(latencies, 0.95)
	result.LatencyP99 = percentile(latencies, 0.99)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	result.LatencyAvg = total / time.Duration(len(latencies))

	return result
}

// percentile calculates the nth percentile of sorted latencies
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// PrintReport prints a human-readable report of the benchmark results
func (r *BenchmarkResult) PrintReport() {
	fmt.Println("===========================================================")
	fmt.Println("RADIUS Load Test Results")
	fmt.Println("===========================================================")
	fmt.Println()
	fmt.Printf("Test Duration:     %s\n", r.Duration)
	fmt.Printf("Concurrency:       %d workers\n", r.Config.Concurrency)
	fmt.Printf("Subscribers:       %d\n", r.Config.Subscribers)
	fmt.Println()
	fmt.Println("--- Throughput ---")
	fmt.Printf("Total Requests:    %d\n", r.Requests)
	fmt.Printf("Accepted:          %d\n", r.Accepted)
	fmt.Printf("Rejected:          %d\n", r.Rejected)
	fmt.Printf("Challenged:        %d\n", r.Challenged)
	fmt.Printf("Unreachable:       %d\n", r.Unreachable)
	fmt.Printf("Errors:            %d\n", r.Errors)
	fmt.Printf("Requests/sec:      %.2f\n", r.RequestsPerSecond)
	fmt.Println()
	fmt.Println("--- Latency ---")
	fmt.Printf("Min:               %s\n", r.LatencyMin)
	fmt.Printf("Avg:               %s\n", r.LatencyAvg)
	fmt.Printf("P50 (median):      %s\n", r.LatencyP50)
	fmt.Printf("P95:               %s\n", r.LatencyP95)
	fmt.Printf("P99:               %s\n", r.LatencyP99)
	fmt.Printf("Max:               %s\n", r.LatencyMax)
	fmt.Println()
	fmt.Println("--- Target Validation ---")
	fmt.Printf("RPS >= %d:       %s (%.2f)\n", TargetRequestsPerSecond,
		passFailStr(r.RequestsPerSecond >= TargetRequestsPerSecond), r.RequestsPerSecond)
	fmt.Printf("P99 < %s:        %s (%s)\n", TargetLatencyP99,
		passFailStr(r.LatencyP99 < TargetLatencyP99), r.LatencyP99)
	fmt.Printf("Unreachable < 1%%:  %s (%.2f%%)\n",
		passFailStr(r.UnreachableRate < TargetUnreachableRate), r.UnreachableRate*100)
	fmt.Println("===========================================================")
}

func passFailStr(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

// MeetsTargets checks if the results meet performance targets
func (r *BenchmarkResult) MeetsTargets() bool {
	if r.RequestsPerSecond < TargetRequestsPerSecond {
		return false
	}
	if r.LatencyP99 >= TargetLatencyP99 {
		return false
	}
	return r.UnreachableRate < TargetUnreachableRate
}
