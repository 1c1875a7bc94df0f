package fanotify

import (
	"os"
	"regexp"
	"strconv"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

var kernelVersionRe = regexp.MustCompile(`([0-9]+)`)

// kernelVersion returns the running kernel's major/minor version.
func kernelVersion() (maj, min int, err error) {
	var sysinfo unix.Utsname
	if err = unix.Uname(&sysinfo); err != nil {
		return 0, 0, err
	}
	parts := kernelVersionRe.FindAllString(string(sysinfo.Release[:]), -1)
	if len(parts) < 2 {
		return 0, 0, unix.EINVAL
	}
	if maj, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if min, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	return maj, min, nil
}

// checkCapSysAdmin reports whether the current process holds the effective
// CAP_SYS_ADMIN capability required by fanotify_init(2).
func checkCapSysAdmin() (bool, error) {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return false, err
	}
	if err := caps.Load(); err != nil {
		return false, err
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN), nil
}
