package radius

import (
	"context"
	"fmt"
	"net"

	"github.com/codelaboratoryltd/radcore/pkg/state"
	"go.uber.org/zap"
)

// RestorePool reserves the Framed-IP of every active session in store that
// falls inside pool, so a fresh pool never hands out an address a live
// session holds. It returns the number of addresses reserved.
func RestorePool(ctx context.Context, pool AddressPool, store state.SessionStore, logger *zap.Logger) (int, error) {
	sessions, err := store.ActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	reserved := 0
	for _, s := range sessions {
		ip := net.ParseIP(s.FramedIP)
		if ip == nil || !pool.Contains(ip) {
			continue
		}
		if err := pool.Reserve(ip, s.ID); err != nil {
			logger.Warn("Failed to restore framed IP",
				zap.String("session_id", s.ID),
				zap.String("username", s.Username),
				zap.String("framed_ip", s.FramedIP),
				zap.Error(err),
			)
			continue
		}
		reserved++
	}

	logger.Info("Restored framed IP pool",
		zap.Int("active_sessions", len(sessions)),
		zap.Int("reserved", reserved),
	)
	return reserved, nil
}
