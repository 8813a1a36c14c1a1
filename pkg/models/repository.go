package models

import "time"

// GitRepository holds the persisted configuration for one remote Git
// repository bound to a project.
//
// The password for HTTPS remotes is never persisted. It is only cached by the
// transport layer for a bounded time.
type GitRepository struct {
	ID                      int        `json:"id"`
	ProjectID               string     `json:"project_id"`
	RepositoryURL           string     `json:"repository_url"`
	TargetBranch            string     `json:"target_branch"`
	IsTargetBranchProtected bool       `json:"is_target_branch_protected"`
	Username                string     `json:"username,omitempty"`
	SSHKey                  string     `json:"-"`
	FirstAnnotatorID        *string    `json:"first_annotator_id"`
	FirstAnnotatedAt        *time.Time `json:"first_annotated_at"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// RepositoryInfo carries the user-supplied fields when creating or updating a
// repository connection. Password and SSH key are write-only.
type RepositoryInfo struct {
	ProjectID               string `json:"-"`
	RepositoryURL           string `json:"repository_url"`
	TargetBranch            string `json:"target_branch"`
	IsTargetBranchProtected bool   `json:"is_target_branch_protected"`
	Username                string `json:"username"`
	Password                string `json:"password"`
	SSHKey                  string `json:"ssh_key"`
	UseGeneratedSSHKeys     bool   `json:"use_generated_ssh_keys"`
}

// RepositoryStatus describes the synchronization state of a repository.
type RepositoryStatus struct {
	IsCommittingToTargetBranchAllowed bool       `json:"is_committing_to_target_branch_allowed"`
	IsRemoteAhead                     bool       `json:"is_remote_ahead"`
	AreThereLocalChanges              bool       `json:"are_there_local_changes"`
	CurrentBranch                     string     `json:"current_branch"`
	TimeOfLastPull                    *time.Time `json:"time_of_last_pull"`
	FirstAnnotatorID                  *string    `json:"first_annotator_id"`
	FirstAnnotatedAt                  *time.Time `json:"first_annotated_at"`
	Authenticated                     bool       `json:"authenticated"`
}

// PushResult is the outcome of a commit-and-push operation.
type PushResult struct {
	RemoteBranch            string `json:"remote_branch"`
	CommittedToTargetBranch bool   `json:"committed_to_target_branch"`
}
