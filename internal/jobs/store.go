package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/google/uuid"
)

const (
	keyPrefix  = "job:"
	seqKey     = keyPrefix + "seq"
	allJobsKey = keyPrefix + "all"
	queueKey   = keyPrefix + "queue:pending"
)

func dataKey(id string) string  { return keyPrefix + "data:" + id }
func statusKey(s Status) string { return keyPrefix + "status:" + string(s) }
func tagKey(tag string) string  { return keyPrefix + "tag:" + tag }

// Filter narrows List: optional status set, optional tag, pagination.
type Filter struct {
	Status    []Status
	Tag       string
	Limit     int
	Offset    int
	OrderDesc bool
}

// StoreStats summarizes the job store for the admin/metrics surface.
type StoreStats struct {
	Total        int64            `json:"total"`
	StatusCounts map[Status]int64 `json:"status_counts"`
}

// Store is the KV-backed persistence layer for Job. It is the sole
// writer of the status/tag/queue indexes; callers never touch kvstore
// directly for job data.
type Store struct {
	kv kvstore.Store
}

// NewStore builds a Store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Create assigns an id and admission sequence to job, sets CreatedAt,
// and persists it as pending.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	seq, err := s.kv.Incr(ctx, seqKey, 1)
	if err != nil {
		return fmt.Errorf("jobs: allocate sequence: %w", err)
	}
	job.Sequence = seq

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = StatusPending
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if !job.Priority.Valid() {
		job.Priority = PriorityNormal
	}
	if err := job.validateInvariants(); err != nil {
		return err
	}
	return s.persist(ctx, job, "")
}

// persist writes job's data and reconciles the status/tag/queue indexes
// against previousStatus (empty string means "new job, no prior index
// membership to remove").
func (s *Store) persist(ctx context.Context, job *Job, previousStatus Status) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal: %w", err)
	}
	if err := s.kv.Set(ctx, dataKey(job.ID), string(data), 0); err != nil {
		return fmt.Errorf("jobs: persist data: %w", err)
	}

	if previousStatus != "" && previousStatus != job.Status {
		score := job.queueScore()
		_, _ = s.kv.ZRemRangeByScore(ctx, statusKey(previousStatus), score, score)
		if previousStatus == StatusPending {
			_, _ = s.kv.ZRemRangeByScore(ctx, queueKey, score, score)
		}
	}
	if previousStatus == "" || previousStatus != job.Status {
		if err := s.kv.ZAdd(ctx, statusKey(job.Status), job.queueScore(), job.ID); err != nil {
			return fmt.Errorf("jobs: index status: %w", err)
		}
		if job.Status == StatusPending {
			if err := s.kv.ZAdd(ctx, queueKey, job.queueScore(), job.ID); err != nil {
				return fmt.Errorf("jobs: index queue: %w", err)
			}
		}
	}
	if previousStatus == "" {
		if err := s.kv.ZAdd(ctx, allJobsKey, job.queueScore(), job.ID); err != nil {
			return fmt.Errorf("jobs: index all: %w", err)
		}
		for _, tag := range job.Tags {
			_ = s.kv.ZAdd(ctx, tagKey(tag), job.queueScore(), job.ID)
		}
	}
	return nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := s.kv.Get(ctx, dataKey(id))
	if err != nil {
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobs: unmarshal: %w", err)
	}
	return &job, nil
}

// Save writes job's current in-memory state back to the store,
// reconciling indexes against its previously-persisted status.
func (s *Store) Save(ctx context.Context, job *Job) error {
	prior, err := s.Get(ctx, job.ID)
	previousStatus := Status("")
	if err == nil {
		previousStatus = prior.Status
	}
	job.UpdatedAt = time.Now()
	if err := job.validateInvariants(); err != nil {
		return err
	}
	return s.persist(ctx, job, previousStatus)
}

// Dequeue pops the highest-priority, earliest-admitted pending job, or
// ok=false if the queue is empty. The popped job is NOT yet marked
// processing; callers must call Save after updating its status so a
// crash between Dequeue and the status update just leaves the job
// pending again (recoverable via GetRecoverable).
func (s *Store) Dequeue(ctx context.Context) (job *Job, ok bool, err error) {
	members, err := s.kv.ZRangeWithScores(ctx, queueKey, 0, 0)
	if err != nil {
		return nil, false, fmt.Errorf("jobs: dequeue: %w", err)
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	top := members[0]
	if _, err := s.kv.ZRemRangeByScore(ctx, queueKey, top.Score, top.Score); err != nil {
		return nil, false, fmt.Errorf("jobs: dequeue remove: %w", err)
	}
	j, err := s.Get(ctx, top.Member)
	if err != nil {
		return nil, false, err
	}
	if j.Status != StatusPending {
		// Raced with a cancel/reset between the ZRange read and the
		// ZRemRangeByScore removal; nothing to run.
		return nil, false, nil
	}
	return j, true, nil
}

// List returns jobs matching filter, oldest-created first by default and
// newest first when filter.OrderDesc is set.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Job, error) {
	var ids []string
	var err error
	switch {
	case len(filter.Status) == 1:
		members, e := s.kv.ZRangeWithScores(ctx, statusKey(filter.Status[0]), 0, -1)
		err = e
		ids = memberIDs(members)
	case filter.Tag != "":
		members, e := s.kv.ZRangeWithScores(ctx, tagKey(filter.Tag), 0, -1)
		err = e
		ids = memberIDs(members)
	default:
		members, e := s.kv.ZRangeWithScores(ctx, allJobsKey, 0, -1)
		err = e
		ids = memberIDs(members)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: list: %w", err)
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !matchesFilter(job, filter) {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, k int) bool {
		less := out[i].CreatedAt.Before(out[k].CreatedAt)
		if filter.OrderDesc {
			return !less
		}
		return less
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func memberIDs(members []kvstore.ScoredMember) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	return ids
}

func matchesFilter(job *Job, filter Filter) bool {
	if len(filter.Status) > 1 {
		found := false
		for _, st := range filter.Status {
			if job.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Delete removes a job and its index memberships.
func (s *Store) Delete(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, dataKey(id)); err != nil {
		return fmt.Errorf("jobs: delete: %w", err)
	}
	score := job.queueScore()
	_, _ = s.kv.ZRemRangeByScore(ctx, statusKey(job.Status), score, score)
	_, _ = s.kv.ZRemRangeByScore(ctx, allJobsKey, score, score)
	_, _ = s.kv.ZRemRangeByScore(ctx, queueKey, score, score)
	for _, tag := range job.Tags {
		_, _ = s.kv.ZRemRangeByScore(ctx, tagKey(tag), score, score)
	}
	return nil
}

// GetRecoverable returns every pending or processing job, for recovery
// after a process restart: pending jobs resume via the normal queue,
// processing jobs are re-admitted to pending (their worker is gone).
func (s *Store) GetRecoverable(ctx context.Context) ([]*Job, error) {
	return s.List(ctx, Filter{Status: []Status{StatusPending, StatusProcessing}})
}

// Cleanup deletes terminal jobs older than olderThan, returning the
// count removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	count := 0
	for _, st := range terminal {
		jobs, err := s.List(ctx, Filter{Status: []Status{st}})
		if err != nil {
			continue
		}
		for _, job := range jobs {
			ref := job.CompletedAt
			if ref == nil {
				ref = &job.CreatedAt
			}
			if ref.Before(cutoff) {
				if err := s.Delete(ctx, job.ID); err == nil {
					count++
				}
			}
		}
	}
	return count, nil
}

// Stats summarizes job counts per status.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{StatusCounts: make(map[Status]int64)}
	total, err := s.kv.ZCard(ctx, allJobsKey)
	if err == nil {
		stats.Total = total
	}
	for _, st := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout} {
		n, err := s.kv.ZCard(ctx, statusKey(st))
		if err == nil {
			stats.StatusCounts[st] = n
		}
	}
	return stats, nil
}
