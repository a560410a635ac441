//go:build linux && amd64

package hypervisor

import (
	"os"

	"golang.org/x/sys/unix"
)

// Supported returns true if /dev/kvm is present, accessible, and reports
// an API version this package knows how to drive.
func Supported() (bool, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	version, err := ioctlNoArg(f.Fd(), kvmGetAPIVersion)
	if err != nil {
		return false, err
	}
	return version == kvmAPIVersion, nil
}
