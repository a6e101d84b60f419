// Package submit validates audit input and creates remote analysis jobs.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

const maxCompetitors = 10

// JobCreator is the part of the analysis API the submitter needs.
type JobCreator interface {
	CreateJob(ctx context.Context, req auditapi.CreateJobRequest) (*models.Job, error)
}

// Submitter validates input and issues exactly one create-job call per
// accepted submission.
type Submitter struct {
	api  JobCreator
	deny *Denylist
}

// NewSubmitter creates a Submitter. A nil denylist blocks nothing.
func NewSubmitter(api JobCreator, deny *Denylist) *Submitter {
	return &Submitter{api: api, deny: deny}
}

// Normalize trims the input and validates it. The returned input is what is
// sent to the remote API and what a retry re-submits.
func (s *Submitter) Normalize(in models.AuditInput) (models.AuditInput, error) {
	out := models.AuditInput{
		URL:            strings.TrimSpace(in.URL),
		PrimaryKeyword: strings.TrimSpace(in.PrimaryKeyword),
		TargetMarket:   strings.TrimSpace(in.TargetMarket),
	}
	if err := ValidateURL(out.URL, s.deny); err != nil {
		return models.AuditInput{}, err
	}

	seen := make(map[string]bool, len(in.Competitors))
	for _, c := range in.Competitors {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		if strings.Contains(key, "://") {
			if err := validateURL("competitors", c, s.deny); err != nil {
				return models.AuditInput{}, err
			}
		}
		seen[key] = true
		out.Competitors = append(out.Competitors, c)
	}
	if len(out.Competitors) > maxCompetitors {
		return models.AuditInput{}, invalid("competitors", "at most %d competitors are allowed", maxCompetitors)
	}
	return out, nil
}

// Submit validates in and creates a remote job. The returned job carries the
// canonical job id.
func (s *Submitter) Submit(ctx context.Context, in models.AuditInput) (*models.Job, error) {
	clean, err := s.Normalize(in)
	if err != nil {
		return nil, err
	}

	job, err := s.api.CreateJob(ctx, auditapi.CreateJobRequest{
		URL:            clean.URL,
		PrimaryKeyword: clean.PrimaryKeyword,
		TargetMarket:   clean.TargetMarket,
		Competitors:    clean.Competitors,
	})
	if err != nil {
		return nil, fmt.Errorf("creating analysis job: %w", err)
	}

	slog.Info("analysis job created", "job_id", job.ID, "url", clean.URL, "status", job.Status)
	return job, nil
}
