package radius_test

import (
	"context"
	"testing"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/nassim"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	layeh "layeh.com/radius"
)

const simSecret = "integration-secret"

func startNAS(t *testing.T) *nassim.Simulator {
	t.Helper()

	sim, err := nassim.New(nassim.Config{
		Secret:   simSecret,
		AuthAddr: "127.0.0.1:0",
		AcctAddr: "127.0.0.1:0",
		CoAAddr:  "127.0.0.1:0",
		Users: []nassim.User{
			{Username: "alice", Password: "correct-horse-battery-staple", FramedIP: "100.64.0.20", SessionTimeout: 86400, RateLimit: "10M/2M"},
		},
		InterimInterval: 300,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sim.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sim.Stop(ctx)
	})
	return sim
}

func simServer(sim *nassim.Simulator) radius.ServerConfig {
	return radius.ServerConfig{
		Name:     "sim",
		Host:     "127.0.0.1",
		AuthPort: sim.Port("auth"),
		AcctPort: sim.Port("acct"),
		CoAPort:  sim.Port("coa"),
		Secret:   simSecret,
	}
}

// TestAliceLifecycle walks one subscriber through auth, accounting and a
// speed change against the simulated peers over real UDP sockets.
func TestAliceLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping UDP integration test in short mode")
	}

	sim := startNAS(t)
	store := state.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	clientCfg := radius.ClientConfig{
		Server:        simServer(sim),
		NASIPAddress:  "127.0.0.1",
		NASIdentifier: "it-bng",
		Timeout:       500 * time.Millisecond,
		Retries:       2,
	}

	auth, err := radius.NewAuthClient(clientCfg, store, zap.NewNop())
	require.NoError(t, err)
	acct, err := radius.NewAcctClient(clientCfg, store, zap.NewNop())
	require.NoError(t, err)
	coa, err := radius.NewCoaClient(radius.CoaConfig{
		NAS:     []radius.ServerConfig{simServer(sim)},
		Timeout: 200 * time.Millisecond,
		Retries: 2,
	}, store, zap.NewNop())
	require.NoError(t, err)

	result, err := auth.Authenticate(ctx, &radius.AuthRequest{
		Username: "alice",
		Password: "correct-horse-battery-staple",
		NASPort:  1,
	})
	require.NoError(t, err)
	require.True(t, result.Success())
	assert.Equal(t, "100.64.0.20", result.FramedIP)
	assert.Equal(t, uint32(86400), result.SessionTimeout)
	assert.Equal(t, uint32(300), result.InterimInterval)
	assert.Equal(t, radius.RateLimit{Download: "10M", Upload: "2M"}, result.RateLimit)

	sessionID := result.SessionID

	started, err := acct.Start(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, started.Delivered)

	interim, err := acct.Interim(ctx, sessionID, radius.Counters{InputOctets: 1_000_000, OutputOctets: 2_000_000, SessionTime: 300})
	require.NoError(t, err)
	assert.True(t, interim.Delivered)

	stopped, err := acct.Stop(ctx, sessionID, radius.Counters{
		InputOctets:  2_000_000_000,
		OutputOctets: 3_500_000_000,
		SessionTime:  7200,
	}, radius.TerminateCauseUserRequest)
	require.NoError(t, err)
	assert.True(t, stopped.Delivered)

	acctReqs := sim.RequestsWithCode(layeh.CodeAccountingRequest)
	require.Len(t, acctReqs, 3)
	assert.Equal(t, []uint32{1, 3, 2}, []uint32{acctReqs[0].StatusType, acctReqs[1].StatusType, acctReqs[2].StatusType})
	stop := acctReqs[2]
	assert.Equal(t, sessionID, stop.SessionID)
	assert.Equal(t, uint64(2_000_000_000), stop.InputOctets)
	assert.Equal(t, uint64(3_500_000_000), stop.OutputOctets)
	assert.Equal(t, uint32(7200), stop.SessionTime)
	assert.Equal(t, "100.64.0.20", stop.FramedIP)

	session, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionClosed, session.Status)
	assert.Equal(t, uint64(5_500_000_000), session.TotalOctets())

	changed, err := coa.SpeedChange(ctx, "alice", radius.RateLimit{Download: "1M", Upload: "1M"})
	require.NoError(t, err)
	assert.True(t, changed.Acked)

	coaReqs := sim.RequestsWithCode(layeh.CodeCoARequest)
	require.Len(t, coaReqs, 1)
	assert.Equal(t, "alice", coaReqs[0].Username)
	assert.Equal(t, "1M/1M", coaReqs[0].RateLimit)
}

func TestCoAAgainstSimulator(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping UDP integration test in short mode")
	}

	sim := startNAS(t)
	store := state.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	coa, err := radius.NewCoaClient(radius.CoaConfig{
		NAS:     []radius.ServerConfig{simServer(sim)},
		Timeout: 100 * time.Millisecond,
		Retries: 2,
	}, store, zap.NewNop())
	require.NoError(t, err)

	t.Run("quota with gigawords", func(t *testing.T) {
		sim.Reset()
		sim.SetCoAMode(nassim.ModeAck)

		result, err := coa.QuotaUpdate(ctx, "alice", 5_000_000_000)
		require.NoError(t, err)
		assert.True(t, result.Acked)

		reqs := sim.RequestsWithCode(layeh.CodeCoARequest)
		require.Len(t, reqs, 1)
		assert.Equal(t, uint32(705032704), reqs[0].TotalLimit)
	})

	t.Run("nak", func(t *testing.T) {
		sim.SetCoAMode(nassim.ModeNak)

		result, err := coa.SpeedChange(ctx, "alice", radius.RateLimit{Download: "1M", Upload: "1M"})
		assert.ErrorIs(t, err, radius.ErrCoaNotAcknowledged)
		assert.Equal(t, radius.CodeCoANAK, result.Code)
		assert.Equal(t, radius.ErrorCauseSessionContextNotFound, result.ErrorCause)
	})

	t.Run("timeout", func(t *testing.T) {
		sim.Reset()
		sim.SetCoAMode(nassim.ModeDrop)

		_, err := coa.SpeedChange(ctx, "alice", radius.RateLimit{Download: "1M", Upload: "1M"})
		assert.ErrorIs(t, err, radius.ErrCoaNotAcknowledged)
		assert.True(t, radius.IsUnreachable(err))
		assert.Len(t, sim.RequestsWithCode(layeh.CodeCoARequest), 2)
	})

	records, err := store.CoaRecordsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, state.CoaSuccess, records[0].Status)
	assert.Equal(t, state.CoaFailed, records[1].Status)
	assert.Equal(t, state.CoaFailed, records[2].Status)
}

func TestAuthUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping UDP integration test in short mode")
	}

	sim := startNAS(t)
	store := state.NewMemoryStore(zap.NewNop())

	// The accounting port never answers Access-Requests
	server := simServer(sim)
	server.AuthPort = server.AcctPort

	auth, err := radius.NewAuthClient(radius.ClientConfig{
		Server:  server,
		Timeout: 100 * time.Millisecond,
		Retries: 3,
	}, store, zap.NewNop())
	require.NoError(t, err)

	result, err := auth.Authenticate(context.Background(), &radius.AuthRequest{Username: "alice", Password: "x"})
	assert.True(t, radius.IsUnreachable(err))
	require.NotNil(t, result)
	assert.Equal(t, radius.AuthUnreachable, result.Status)
	assert.Equal(t, "Authentication failed", result.UserMessage())
}
