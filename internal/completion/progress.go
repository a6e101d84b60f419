package completion

import "github.com/kiranshivaraju/geoaudit/pkg/models"

// Complete is reserved for jobs the oracle has confirmed.
const Complete = 100

var progressByStatus = map[models.JobStatus]int{
	models.JobStatusPending:         5,
	models.JobStatusQueued:          10,
	models.JobStatusFetched:         30,
	models.JobStatusProcessing:      50,
	models.JobStatusPartiallyScored: 80,
	models.JobStatusScored:          85,
	models.JobStatusCompleted:       85,
}

// Progress projects a 0-100 estimate from the job status. A "scored" status on
// its own stays below Complete until the signals confirm it.
func Progress(job *models.Job) int {
	if job == nil {
		return 0
	}
	if IsComplete(job) {
		return Complete
	}
	return progressByStatus[job.Status]
}
