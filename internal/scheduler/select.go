package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Store is the read side of the document store used to find jobs.
type Store interface {
	Get(ctx context.Context, id string) (domain.Document, error)
	Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error)
}

const activeJobsQuery = `SELECT body FROM documents
WHERE body->>'type' = 'JOB'
  AND body->>'version' = 'V01'
  AND body->>'status' = 'active'`

// Selector picks the jobs a scheduler pass runs.
type Selector struct {
	store          Store
	clock          clockwork.Clock
	ignoreSchedule bool
	logger         *slog.Logger
}

// NewSelector creates a Selector. With ignoreSchedule every active job is
// selected on every pass.
func NewSelector(store Store, clock clockwork.Clock, ignoreSchedule bool, logger *slog.Logger) *Selector {
	return &Selector{store: store, clock: clock, ignoreSchedule: ignoreSchedule, logger: logger}
}

// Due returns the active jobs whose schedule selects the current time,
// ordered by offset minutes and then run priority.
func (s *Selector) Due(ctx context.Context) ([]domain.JobDoc, error) {
	docs, err := s.store.Query(ctx, activeJobsQuery)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	now := s.clock.Now()

	var jobs []domain.JobDoc
	for _, doc := range docs {
		job, err := domain.ParseJobDoc(doc)
		if err != nil {
			s.logger.Warn("skipping invalid job document", "id", doc.ID(), "error", err)
			continue
		}
		if !s.ignoreSchedule {
			sched, err := ParseSchedule(job.Schedule)
			if err != nil {
				s.logger.Warn("skipping job with invalid schedule", "id", job.ID, "error", err)
				continue
			}
			if !sched.Due(now) {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	sortJobs(jobs)
	return jobs, nil
}

// ByID returns the job with the given id if it is active, ignoring its
// schedule.
func (s *Selector) ByID(ctx context.Context, id string) ([]domain.JobDoc, error) {
	doc, err := s.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job, err := domain.ParseJobDoc(doc)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(job.Status, "active") {
		s.logger.Info("job is not active", "id", id, "status", job.Status)
		return nil, nil
	}
	return []domain.JobDoc{job}, nil
}

func sortJobs(jobs []domain.JobDoc) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].OffsetMinutes != jobs[j].OffsetMinutes {
			return jobs[i].OffsetMinutes < jobs[j].OffsetMinutes
		}
		return jobs[i].RunPriority < jobs[j].RunPriority
	})
}
