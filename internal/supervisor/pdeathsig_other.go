//go:build !linux

package supervisor

import "syscall"

// setPdeathsig is a no-op outside Linux; Pdeathsig is Linux-only.
func setPdeathsig(_ *syscall.SysProcAttr) {}
