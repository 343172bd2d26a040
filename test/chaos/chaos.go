package chaos

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one of the pool's server connections tagged
// with appName roughly every fifth tick and counts the kills.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, kills *atomic.Int64, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.IntN(5) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                    SELECT pid FROM pg_stat_activity
                    WHERE datname = current_database() AND application_name = $1 AND pid <> pg_backend_pid()
                    ORDER BY random() LIMIT 1) victims`, appName).Scan(&killed)
			if err == nil && killed {
				kills.Add(1)
			}
		}
	}
}
