package afdd

import "syscall"

// setPdeathsig ties a session child to its daemon: when the daemon dies,
// its sessions do too.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
