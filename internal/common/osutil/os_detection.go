package osutil

import (
	"os"
	"runtime"
)

// GetOSType returns the current operating system type
func GetOSType() string {
	return runtime.GOOS
}

// IsDevEnvironment checks if the application is running in a development environment
// based on environment variables
func IsDevEnvironment() bool {
	return os.Getenv("LVM_EXTRACTOR_ENV") == "development" ||
		os.Getenv("LVM_EXTRACTOR_DEV") == "true" ||
		os.Getenv("DEV") == "true"
}

// GetArchitecture returns the system architecture (amd64, arm64, etc.)
func GetArchitecture() string {
	return runtime.GOARCH
}

// GetNumCPU returns the number of logical CPUs on the system
func GetNumCPU() int {
	return runtime.NumCPU()
}
