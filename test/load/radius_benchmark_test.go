package load

import (
	"context"
	"testing"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/nassim"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"go.uber.org/zap"
)

const loadSecret = "load-secret"

func startSimulator(t *testing.T, users []string, password string) *nassim.Simulator {
	t.Helper()

	sim, err := nassim.New(nassim.Config{
		Secret:   loadSecret,
		AuthAddr: "127.0.0.1:0",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("nassim.New() error = %v", err)
	}
	for _, u := range users {
		sim.AddUser(nassim.User{Username: u, Password: password})
	}
	if err := sim.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sim.Stop(ctx)
	})
	return sim
}

func simConfig(sim *nassim.Simulator, subscribers int, password string) *BenchmarkConfig {
	cfg := DefaultConfig()
	cfg.Server = radius.ServerConfig{
		Name:     "sim",
		Host:     "127.0.0.1",
		AuthPort: sim.Port("auth"),
		Secret:   loadSecret,
	}
	cfg.Concurrency = 4
	cfg.Duration = 300 * time.Millisecond
	cfg.WarmupDuration = 0
	cfg.Subscribers = subscribers
	cfg.Password = password
	cfg.Timeout = 500 * time.Millisecond
	cfg.Retries = 1
	return cfg
}

func TestBenchmarkConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Concurrency != 50 {
		t.Errorf("Expected Concurrency 50, got %d", cfg.Concurrency)
	}
	if cfg.Duration != 30*time.Second {
		t.Errorf("Expected Duration 30s, got %s", cfg.Duration)
	}
	if cfg.Subscribers != 1000 {
		t.Errorf("Expected Subscribers 1000, got %d", cfg.Subscribers)
	}
	if cfg.Server.Secret == "" {
		t.Error("Expected a default secret")
	}
}

func TestNewBenchmarkValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 0
	if _, err := NewBenchmark(cfg, nil); err == nil {
		t.Error("Expected error for zero concurrency")
	}

	cfg = DefaultConfig()
	cfg.Subscribers = 0
	if _, err := NewBenchmark(cfg, nil); err == nil {
		t.Error("Expected error for zero subscribers")
	}

	cfg = DefaultConfig()
	cfg.Server.Secret = ""
	if _, err := NewBenchmark(cfg, nil); err == nil {
		t.Error("Expected error for missing secret")
	}

	if _, err := NewBenchmark(nil, nil); err != nil {
		t.Errorf("NewBenchmark(nil) error = %v", err)
	}
}

func TestGenerateUsernames(t *testing.T) {
	names := GenerateUsernames(100)

	if len(names) != 100 {
		t.Fatalf("Expected 100 usernames, got %d", len(names))
	}
	if names[0] != "user-00000" || names[99] != "user-00099" {
		t.Errorf("Unexpected names: %s .. %s", names[0], names[99])
	}

	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			t.Errorf("Duplicate username: %s", n)
		}
		seen[n] = true
	}
}

func TestBenchmarkResult(t *testing.T) {
	b := &Benchmark{config: DefaultConfig()}
	b.reset()

	b.record(&radius.AuthResult{Status: radius.AuthAccepted}, nil, 1*time.Millisecond)
	b.record(&radius.AuthResult{Status: radius.AuthAccepted}, nil, 3*time.Millisecond)
	b.record(&radius.AuthResult{Status: radius.AuthRejected}, nil, 2*time.Millisecond)
	b.record(&radius.AuthResult{Status: radius.AuthRejected}, radius.ErrAuthenticatorMismatch, time.Millisecond)
	b.record(&radius.AuthResult{Status: radius.AuthUnreachable}, radius.ErrUnreachable, time.Second)
	b.record(nil, radius.ErrEncode, 0)
	b.requests = 6

	result := b.calculateResults(time.Second)

	if result.Accepted != 2 || result.Rejected != 1 || result.Unreachable != 1 || result.Errors != 2 {
		t.Errorf("Unexpected counts: %+v", result)
	}
	if result.RequestsPerSecond != 6 {
		t.Errorf("Expected 6 RPS, got %.2f", result.RequestsPerSecond)
	}
	if len(result.Latencies) != 3 {
		t.Fatalf("Expected 3 latencies, got %d", len(result.Latencies))
	}
	if result.LatencyMin != time.Millisecond || result.LatencyMax != 3*time.Millisecond {
		t.Errorf("Unexpected min/max: %s/%s", result.LatencyMin, result.LatencyMax)
	}
	if result.LatencyAvg != 2*time.Millisecond {
		t.Errorf("Expected avg 2ms, got %s", result.LatencyAvg)
	}
}

func TestPercentile(t *testing.T) {
	latencies := make([]time.Duration, 100)
	for i := range latencies {
		latencies[i] = time.Duration(i+1) * time.Millisecond
	}

	tests := []struct {
		p        float64
		expected time.Duration
	}{
		{0.0, 1 * time.Millisecond},
		{0.5, 50 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1.0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := percentile(latencies, tt.p); got != tt.expected {
			t.Errorf("percentile(%.2f) = %s, want %s", tt.p, got, tt.expected)
		}
	}

	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %s, want 0", got)
	}
}

func TestMeetsTargets(t *testing.T) {
	good := &BenchmarkResult{RequestsPerSecond: 8000, LatencyP99: 5 * time.Millisecond}
	if !good.MeetsTargets() {
		t.Error("Expected targets met")
	}

	slow := *good
	slow.LatencyP99 = 50 * time.Millisecond
	if slow.MeetsTargets() {
		t.Error("Expected P99 target missed")
	}

	lossy := *good
	lossy.UnreachableRate = 0.05
	if lossy.MeetsTargets() {
		t.Error("Expected unreachable target missed")
	}
}

func TestBenchmarkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	users := GenerateUsernames(20)
	sim := startSimulator(t, users, "secret-pass")

	b, err := NewBenchmark(simConfig(sim, len(users), "secret-pass"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewBenchmark() error = %v", err)
	}

	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Accepted == 0 {
		t.Fatal("Expected accepted requests")
	}
	if result.Rejected != 0 || result.Errors != 0 || result.Unreachable != 0 {
		t.Errorf("Unexpected failures: rejected=%d errors=%d unreachable=%d",
			result.Rejected, result.Errors, result.Unreachable)
	}
	if result.LatencyP99 == 0 {
		t.Error("Expected latency samples")
	}
}

func TestBenchmarkIntegrationRejects(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	users := GenerateUsernames(5)
	sim := startSimulator(t, users, "secret-pass")

	b, err := NewBenchmark(simConfig(sim, len(users), "wrong-pass"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewBenchmark() error = %v", err)
	}

	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Accepted != 0 {
		t.Errorf("Expected no accepts, got %d", result.Accepted)
	}
	if result.Rejected == 0 {
		t.Error("Expected rejected requests")
	}
}

func TestBenchmarkCancelledDuringWarmup(t *testing.T) {
	users := GenerateUsernames(1)
	sim := startSimulator(t, users, "pw")

	cfg := simConfig(sim, 1, "pw")
	cfg.WarmupDuration = time.Minute

	b, err := NewBenchmark(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBenchmark() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Run(ctx); err == nil {
		t.Error("Expected error when cancelled during warmup")
	}
}

func BenchmarkGenerateUsernames(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GenerateUsernames(1000)
	}
}
