//go:build !linux

package afdd

import "syscall"

// setPdeathsig is a no-op outside Linux; Pdeathsig is Linux-only.
func setPdeathsig(_ *syscall.SysProcAttr) {}
