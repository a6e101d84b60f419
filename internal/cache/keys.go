package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobSnapshotKey holds the last terminal snapshot of a remote job.
func JobSnapshotKey(jobID string) string {
	return fmt.Sprintf("auditapi:job:%s", jobID)
}

func AuditStatusKey(auditID uuid.UUID) string {
	return fmt.Sprintf("audit:%s:status", auditID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
