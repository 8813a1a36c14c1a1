package common

// File permission constants for consistent security across the application
const (
	// FilePermissionSecure is used for sensitive files (SSH keys, cached credentials)
	FilePermissionSecure = 0600

	// FilePermissionNormal is used for non-sensitive files (dumped training data)
	FilePermissionNormal = 0644

	// FilePermissionExecutable is used for generated helper scripts (askpass, SSH wrapper)
	FilePermissionExecutable = 0700

	// DirPermissionSecure is used for directories containing sensitive files
	DirPermissionSecure = 0700

	// DirPermissionNormal is used for normal directories
	DirPermissionNormal = 0755
)
