package mutation

import (
	"context"
	"net/http"
	"strings"
	"time"

	"adbot/internal/errors"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/metrics"
	"adbot/internal/remote"
	logx "adbot/pkg/logx"
)

// Remote is the write side of the job authority.
type Remote interface {
	CreateJob(ctx context.Context, req remote.CreateJobRequest) (remote.Job, error)
	DeleteJob(ctx context.Context, groupID, localID string) error
}

// Service applies add/remove requests: the remote authority is written
// first and the local cache only changes once it accepted the write.
type Service struct {
	log    logx.Logger
	cache  *jobs.Cache
	sched  jobs.Scheduler
	remote Remote
	bus    eventbus.Publisher
	grace  time.Duration
}

type Option func(*Service)

func WithBus(b eventbus.Publisher) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithTombstone sets how long a removed key is protected from being
// recreated by a stale remote snapshot.
func WithTombstone(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

func New(cache *jobs.Cache, sched jobs.Scheduler, rem Remote, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		cache:  cache,
		sched:  sched,
		remote: rem,
		bus:    eventbus.Nop(),
		grace:  30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddJob creates a job and returns its LocalID.
func (s *Service) AddJob(ctx context.Context, groupID, content string, count int, unit jobs.Unit) (localID string, err error) {
	defer func() { s.count("add", err) }()

	groupID = strings.TrimSpace(groupID)
	content = strings.TrimSpace(content)
	if groupID == "" {
		return "", errors.Validationf("group id is required")
	}
	if content == "" {
		return "", errors.WithHint(errors.Validationf("content is empty"), "write the announcement text before the interval")
	}
	if err := jobs.ValidateInterval(count, unit); err != nil {
		return "", err
	}

	if err := s.cache.Update(func(tx *jobs.Tx) error {
		localID = tx.Allocate(groupID)
		return nil
	}); err != nil {
		return "", err
	}

	created, err := s.remote.CreateJob(ctx, remote.CreateJobRequest{
		GroupID:    groupID,
		Content:    content,
		Interval:   count,
		Unit:       string(unit),
		LocalJobID: localID,
	})
	if err != nil {
		s.log.Warn("remote create failed; nothing stored",
			logx.String("group", groupID),
			logx.String("local_id", localID),
			logx.String("kind", errors.Kind(err)),
			logx.Err(err),
		)
		return "", errors.Wrapf(err, "create job %s in %s", localID, groupID)
	}

	rec := jobs.JobRecord{
		GroupID:       groupID,
		LocalID:       localID,
		RemoteID:      created.ID.String(),
		Content:       content,
		IntervalCount: count,
		Unit:          unit,
	}
	if err := s.cache.Update(func(tx *jobs.Tx) error {
		rec.CreatedAt = tx.Now()
		tx.ClearTombstone(rec.Key())
		tx.Upsert(rec)
		s.sched.Schedule(rec)
		return nil
	}); err != nil {
		return "", err
	}

	metrics.JobsActive.Set(float64(s.cache.Len()))
	s.bus.Publish(eventbus.Event{Type: jobs.EventJobAdded, Data: rec.Key()})
	s.log.Info("job added",
		logx.String("key", rec.Key().String()),
		logx.String("remote_id", rec.RemoteID),
		logx.Duration("every", rec.Interval()),
	)
	return localID, nil
}

// RemoveJob deletes a job. An unknown key is errors.ErrNotFound and is
// never sent to the remote. A job the remote no longer has is dropped
// locally and also reported as errors.ErrNotFound.
func (s *Service) RemoveJob(ctx context.Context, groupID, localID string) (err error) {
	defer func() { s.count("remove", err) }()

	groupID, localID = strings.TrimSpace(groupID), strings.TrimSpace(localID)
	key := jobs.Key{GroupID: groupID, LocalID: localID}
	if _, ok := s.cache.Get(groupID, localID); !ok {
		return errors.NotFoundf("job %s not found", key)
	}

	if err := s.remote.DeleteJob(ctx, groupID, localID); err != nil {
		if remote.Status(err) != http.StatusNotFound {
			s.log.Warn("remote delete failed; job kept",
				logx.String("key", key.String()),
				logx.String("kind", errors.Kind(err)),
				logx.Err(err),
			)
			return errors.Wrapf(err, "delete job %s", key)
		}
		if s.drop(key) {
			s.log.Info("job removed: already gone remotely", logx.String("key", key.String()))
		}
		return errors.Mark(errors.Wrapf(err, "delete job %s", key), errors.ErrNotFound)
	}

	if !s.drop(key) {
		// A sync removed it while the remote call was in flight.
		s.log.Debug("job already gone after remote delete", logx.String("key", key.String()))
		s.bus.Publish(eventbus.Event{Type: jobs.EventJobRemoved, Data: key})
	}
	s.log.Info("job removed", logx.String("key", key.String()))
	return nil
}

// drop cancels the job's timer, removes it and tombstones the key. It
// reports whether the record was still cached.
func (s *Service) drop(key jobs.Key) bool {
	var removed bool
	_ = s.cache.Update(func(tx *jobs.Tx) error {
		s.sched.Cancel(key)
		removed = tx.Remove(key)
		tx.Tombstone(key, tx.Now().Add(s.grace))
		return nil
	})
	metrics.JobsActive.Set(float64(s.cache.Len()))
	if removed {
		s.bus.Publish(eventbus.Event{Type: jobs.EventJobRemoved, Data: key})
	}
	return removed
}

// ListJobs returns the cached jobs of a group in creation order.
func (s *Service) ListJobs(groupID string) []jobs.JobRecord {
	return s.cache.List(strings.TrimSpace(groupID))
}

func (s *Service) count(op string, err error) {
	result := errors.Kind(err)
	if result == "" {
		result = "ok"
	}
	metrics.JobMutationsTotal.WithLabelValues(op, result).Inc()
}
