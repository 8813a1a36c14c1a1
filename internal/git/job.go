package git

import (
	"context"
	"time"

	"annoflow/internal/scheduler"
)

// SyncJobID identifies the recurring reconciliation job.
const SyncJobID = "git-synchronization-job"

const forceInjectionArg = "force_data_injection"

// RegisterSyncJob schedules the recurring fetch/merge/inject cycle. A
// failed cycle is logged and the next tick runs normally.
func (s *Service) RegisterSyncJob(sched *scheduler.Scheduler, interval time.Duration) error {
	return sched.AddJob(SyncJobID, interval, func(ctx context.Context, args scheduler.Args) {
		force, _ := args[forceInjectionArg].(bool)

		if err := s.SynchronizeProject(ctx, force); err != nil {
			s.logger.Printf("synchronization failed: %v", err)
		}

		// The force flag is a scalar and persists across runs, clear
		// it explicitly once honored.
		if force {
			if err := sched.ModifyJob(SyncJobID, scheduler.Args{forceInjectionArg: false}); err != nil {
				s.logger.Printf("could not clear force flag: %v", err)
			}
		}
	})
}

// RequestForcedSynchronization makes the next sync run discard local
// state and inject the remote state unconditionally, and triggers it.
func RequestForcedSynchronization(sched *scheduler.Scheduler) error {
	if err := sched.ModifyJob(SyncJobID, scheduler.Args{forceInjectionArg: true}); err != nil {
		return err
	}
	return sched.RunJobImmediately(SyncJobID)
}
