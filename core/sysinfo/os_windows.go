package sysinfo

import (
	"runtime"

	"gpu-job-fetcher/core/models"
)

func collectOS() models.OSInfo {
	return models.OSInfo{System: runtime.GOOS, Alias: runtime.GOOS + "-" + runtime.GOARCH}
}
