package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agencyflow/logging"
)

// TerminateRandomBackend periodically kills one backend whose
// application_name is appName, forcing the services to survive dropped
// connections mid-transaction.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var killed int
			err := pool.QueryRow(ctx, `
				SELECT count(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database()
					  AND application_name = $1
					  AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1
				) t`, appName).Scan(&killed)
			if err != nil {
				logging.Logger.WithError(err).Debug("chaos: terminate backend")
				continue
			}
			logging.Logger.WithField("killed", killed).Debug("chaos: terminated backend")
		}
	}
}
