package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Args holds the stored arguments of a background job. Supported value types
// are bool, StringSet and IntSet; other values are replaced wholesale on
// modification.
type Args map[string]interface{}

// StringSet is a set-valued job argument (e.g. changed file names).
type StringSet map[string]struct{}

// IntSet is a set-valued job argument (e.g. changed row IDs).
type IntSet map[int]struct{}

// NewStringSet builds a StringSet from its members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// NewIntSet builds an IntSet from its members.
func NewIntSet(members ...int) IntSet {
	s := make(IntSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// JobFunc is the body of a recurring background job. It receives a snapshot
// of the job's stored arguments taken when the run started.
type JobFunc func(ctx context.Context, args Args)

type job struct {
	id       string
	interval time.Duration
	fn       JobFunc

	mu   sync.Mutex
	args Args

	runNow chan struct{}
	cancel context.CancelFunc
}

// Scheduler runs recurring background jobs with modifiable stored arguments.
//
// Set-valued arguments (StringSet, IntSet) are merged with union semantics by
// ModifyJob and consumed when the job fires. Scalar arguments persist across
// runs until modified again.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	ctx    context.Context
	stop   context.CancelFunc
	logger *log.Logger
}

// New creates a stopped scheduler. Jobs start running as they are added.
func New(logger *log.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*job),
		ctx:    ctx,
		stop:   cancel,
		logger: logger,
	}
}

// AddJob registers a recurring job and starts its timer loop.
func (s *Scheduler) AddJob(id string, interval time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %q is already registered", id)
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	j := &job{
		id:       id,
		interval: interval,
		fn:       fn,
		args:     make(Args),
		runNow:   make(chan struct{}, 1),
		cancel:   cancel,
	}
	s.jobs[id] = j

	s.wg.Add(1)
	go s.runLoop(jobCtx, j)

	return nil
}

// ModifyJob merges the given arguments into the job's stored arguments.
// Set-valued arguments are united with the existing set, scalars replace the
// stored value. Modifying an unknown job is an error.
func (s *Scheduler) ModifyJob(id string, args Args) error {
	j, err := s.jobByID(id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for key, value := range args {
		switch v := value.(type) {
		case StringSet:
			existing, _ := j.args[key].(StringSet)
			if existing == nil {
				existing = make(StringSet, len(v))
			}
			for member := range v {
				existing[member] = struct{}{}
			}
			j.args[key] = existing
		case IntSet:
			existing, _ := j.args[key].(IntSet)
			if existing == nil {
				existing = make(IntSet, len(v))
			}
			for member := range v {
				existing[member] = struct{}{}
			}
			j.args[key] = existing
		default:
			j.args[key] = value
		}
	}

	return nil
}

// RunJobImmediately makes the job fire now instead of waiting for its next
// tick. If a forced run is already queued the call is a no-op.
func (s *Scheduler) RunJobImmediately(id string) error {
	j, err := s.jobByID(id)
	if err != nil {
		return err
	}

	select {
	case j.runNow <- struct{}{}:
	default:
	}
	return nil
}

// CancelJob drops the job's pending set-valued arguments and any queued
// forced run. The job's recurring schedule is unaffected.
func (s *Scheduler) CancelJob(id string) error {
	j, err := s.jobByID(id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	for key, value := range j.args {
		switch value.(type) {
		case StringSet, IntSet:
			delete(j.args, key)
		}
	}
	j.mu.Unlock()

	select {
	case <-j.runNow:
	default:
	}
	return nil
}

// Shutdown stops all job loops and waits for running jobs to finish.
func (s *Scheduler) Shutdown() {
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) jobByID(id string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", id)
	}
	return j, nil
}

func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-j.runNow:
		}

		s.runOnce(ctx, j)
	}
}

// runOnce executes the job with a snapshot of its stored arguments.
// Set-valued arguments are consumed by the run so that every changed item is
// processed exactly once; a panic inside the job must not kill the loop.
func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	j.mu.Lock()
	snapshot := make(Args, len(j.args))
	for key, value := range j.args {
		snapshot[key] = value
		switch value.(type) {
		case StringSet, IntSet:
			delete(j.args, key)
		}
	}
	j.mu.Unlock()

	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Printf("background job %q panicked: %v", j.id, r)
		}
	}()

	j.fn(ctx, snapshot)
}
