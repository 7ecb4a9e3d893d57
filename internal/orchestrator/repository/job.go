package repository

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/loadmesh/loadmesh/internal/common/mesherrors"
	"github.com/loadmesh/loadmesh/internal/common/util"
	"github.com/loadmesh/loadmesh/pkg/api"
)

const (
	jobObjectPrefix    = "Job:"
	jobActiveSetKey    = "Job:Active"
	tenantActivePrefix = "Job:Tenant:"
)

type JobRepository interface {
	CreateJob(tenantId string, spec *api.LoadTestSpec) *api.Job
	AddJob(job *api.Job) error
	GetJob(jobId string) (*api.Job, error)
	GetJobsByIds(ids []string) ([]*api.Job, error)
	GetActiveJobIds() ([]string, error)
	GetTenantActiveJobIds(tenantId string) ([]string, error)
	TryTransition(jobId string, from api.JobStatus, to api.JobStatus, mutate func(*api.Job)) (*api.Job, error)
	UpdateJob(jobId string, mutate func(*api.Job) error) (*api.Job, error)
}

// RedisJobRepository owns job records and the active-job indexes. All status
// changes go through TryTransition, which is compare-and-swap on the current
// status so that racing signals (executor reports, sweeps, cancellation)
// cannot clobber each other.
type RedisJobRepository struct {
	db        redis.UniversalClient
	clock     util.Clock
	retention time.Duration
}

func NewRedisJobRepository(db redis.UniversalClient, retention time.Duration) *RedisJobRepository {
	return &RedisJobRepository{db: db, clock: &util.DefaultClock{}, retention: retention}
}

func (repo *RedisJobRepository) WithClock(clock util.Clock) *RedisJobRepository {
	repo.clock = clock
	return repo
}

func (repo *RedisJobRepository) CreateJob(tenantId string, spec *api.LoadTestSpec) *api.Job {
	return &api.Job{
		Id:       util.NewULID(),
		TenantId: tenantId,
		Spec:     *spec,
		Status:   api.JobPending,
		Created:  repo.clock.Now(),
	}
}

func (repo *RedisJobRepository) AddJob(job *api.Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}

	pipe := repo.db.TxPipeline()
	pipe.Set(jobObjectPrefix+job.Id, jobData, 0)
	pipe.SAdd(jobActiveSetKey, job.Id)
	pipe.SAdd(tenantActivePrefix+job.TenantId, job.Id)
	_, err = pipe.Exec()
	return err
}

func (repo *RedisJobRepository) GetJob(jobId string) (*api.Job, error) {
	data, err := repo.db.Get(jobObjectPrefix + jobId).Bytes()
	if err == redis.Nil {
		return nil, &mesherrors.ErrUnknownJob{JobId: jobId}
	}
	if err != nil {
		return nil, err
	}
	job := &api.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

// GetJobsByIds returns records for the given ids, skipping ids that no longer
// exist (e.g. expired terminal jobs).
func (repo *RedisJobRepository) GetJobsByIds(ids []string) ([]*api.Job, error) {
	if len(ids) == 0 {
		return []*api.Job{}, nil
	}

	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(jobObjectPrefix+id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, err
	}

	jobs := make([]*api.Job, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		job := &api.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (repo *RedisJobRepository) GetActiveJobIds() ([]string, error) {
	return repo.db.SMembers(jobActiveSetKey).Result()
}

func (repo *RedisJobRepository) GetTenantActiveJobIds(tenantId string) ([]string, error) {
	return repo.db.SMembers(tenantActivePrefix + tenantId).Result()
}

// TryTransition moves a job from one status to another, applying mutate to the
// record in the same atomic step. It fails with ErrInvalidTransition if the
// job is not currently in the expected status, which is how terminal states
// stay immutable: no transition ever expects a terminal status.
func (repo *RedisJobRepository) TryTransition(
	jobId string, from api.JobStatus, to api.JobStatus, mutate func(*api.Job),
) (*api.Job, error) {
	if from.IsTerminal() {
		return nil, &mesherrors.ErrInvalidTransition{
			JobId: jobId, Expected: string(from), Actual: string(from), Target: string(to)}
	}
	return repo.update(jobId, func(job *api.Job) error {
		if job.Status != from {
			return &mesherrors.ErrInvalidTransition{
				JobId: jobId, Expected: string(from), Actual: string(job.Status), Target: string(to)}
		}
		job.Status = to
		if mutate != nil {
			mutate(job)
		}
		return nil
	})
}

// UpdateJob applies mutate under the same optimistic lock as transitions but
// without changing status; used for flags such as cancellation requests.
// Terminal jobs are never mutated.
func (repo *RedisJobRepository) UpdateJob(jobId string, mutate func(*api.Job) error) (*api.Job, error) {
	return repo.update(jobId, func(job *api.Job) error {
		if job.Status.IsTerminal() {
			return &mesherrors.ErrInvalidTransition{
				JobId: jobId, Expected: "non-terminal", Actual: string(job.Status), Target: string(job.Status)}
		}
		return mutate(job)
	})
}

func (repo *RedisJobRepository) update(jobId string, apply func(*api.Job) error) (*api.Job, error) {
	key := jobObjectPrefix + jobId
	var updated *api.Job

	err := repo.db.Watch(func(tx *redis.Tx) error {
		data, err := tx.Get(key).Bytes()
		if err == redis.Nil {
			return &mesherrors.ErrUnknownJob{JobId: jobId}
		}
		if err != nil {
			return err
		}

		job := &api.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return errors.WithStack(err)
		}
		if err := apply(job); err != nil {
			return err
		}

		jobData, err := json.Marshal(job)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			if job.Status.IsTerminal() {
				pipe.Set(key, jobData, repo.retention)
				pipe.SRem(jobActiveSetKey, job.Id)
				pipe.SRem(tenantActivePrefix+job.TenantId, job.Id)
				// The concurrency slot frees up; the daily and monthly
				// totals keep counting the finished test.
				pipe.SRem(concurrentSetPrefix+job.TenantId, job.Id)
			} else {
				pipe.Set(key, jobData, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}, key)

	if err == redis.TxFailedErr {
		// Another writer won the race; retry once so sweeps and executor
		// reports converge without surfacing spurious conflicts.
		return repo.update(jobId, apply)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}
