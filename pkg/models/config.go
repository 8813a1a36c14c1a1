package models

type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Git      Git      `yaml:"git"`
	License  License  `yaml:"license"`
	Project  Project  `yaml:"project"`
}

type Server struct {
	Address string `yaml:"address"`
}

type Database struct {
	URL string `yaml:"url"`
}

// Git holds settings for the version control integration.
type Git struct {
	// ClonesDirectory is the parent directory holding one working tree clone
	// per configured repository, keyed by repository ID.
	ClonesDirectory string `yaml:"clones_directory"`

	// SynchronizationIntervalSeconds controls the recurring fetch/merge/inject
	// job.
	SynchronizationIntervalSeconds int `yaml:"synchronization_interval_seconds"`

	// DumpIntervalSeconds controls how often coalesced training data changes
	// are written to the working tree.
	DumpIntervalSeconds int `yaml:"dump_interval_seconds"`
}

type License struct {
	Key       string `yaml:"key"`
	ExpiresAt string `yaml:"expires_at"`
}

// Project describes the conventional layout of the connected repository.
type Project struct {
	Name       string `yaml:"name"`
	DomainPath string `yaml:"domain_path"`
	ConfigPath string `yaml:"config_path"`
	DataDir    string `yaml:"data_dir"`
}

// WithDefaults fills unset fields with their default values.
func (c Config) WithDefaults() Config {
	if c.Server.Address == "" {
		c.Server.Address = ":5002"
	}
	if c.Git.SynchronizationIntervalSeconds == 0 {
		c.Git.SynchronizationIntervalSeconds = 60
	}
	if c.Git.DumpIntervalSeconds == 0 {
		c.Git.DumpIntervalSeconds = 30
	}
	if c.Project.Name == "" {
		c.Project.Name = "default"
	}
	if c.Project.DomainPath == "" {
		c.Project.DomainPath = "domain.yml"
	}
	if c.Project.ConfigPath == "" {
		c.Project.ConfigPath = "config.yml"
	}
	if c.Project.DataDir == "" {
		c.Project.DataDir = "data"
	}
	return c
}
