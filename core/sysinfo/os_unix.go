//go:build !windows

package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"

	"gpu-job-fetcher/core/models"
)

func collectOS() models.OSInfo {
	info := models.OSInfo{System: runtime.GOOS}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return info
	}
	info.System = unix.ByteSliceToString(uts.Sysname[:])
	info.Release = unix.ByteSliceToString(uts.Release[:])
	info.Version = unix.ByteSliceToString(uts.Version[:])
	info.Alias = info.System + "-" + info.Release + "-" + unix.ByteSliceToString(uts.Machine[:])
	return info
}
