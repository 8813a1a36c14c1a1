package coord

import "sync/atomic"

// Handle bundles the process-shared synchronization state of the version
// control integration. It is constructed once at process start and passed
// into the services which need it instead of living as package globals.
type Handle struct {
	// GitLock serializes publish (commit+push) sequences system-wide.
	GitLock *GlobalGitLock

	// Window tracks training data changes which still have to be dumped.
	Window *PendingChangeWindow

	// isTargetBranchAhead caches whether the remote target branch has commits
	// the local clone does not. Updated by the synchronization job, read by
	// status reporting.
	isTargetBranchAhead atomic.Bool
}

// NewHandle creates the coordination state for a clones root directory.
func NewHandle(clonesDirectory string) *Handle {
	return &Handle{
		GitLock: NewGlobalGitLock(clonesDirectory),
		Window:  NewPendingChangeWindow(),
	}
}

// IsTargetBranchAhead reports the cached remote-ahead state.
func (h *Handle) IsTargetBranchAhead() bool {
	return h.isTargetBranchAhead.Load()
}

// SetTargetBranchAhead updates the cached remote-ahead state.
func (h *Handle) SetTargetBranchAhead(ahead bool) {
	h.isTargetBranchAhead.Store(ahead)
}
