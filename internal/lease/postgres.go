package lease

import "panelhub/internal/db"

var _ Locker = (*db.JobLockRepository)(nil)

// NewPostgresLocker keeps leases in the job_locks table.
func NewPostgresLocker(conn db.DBTX) Locker {
	return db.NewJobLockRepository(conn)
}
