package supervisor

import "syscall"

// setPdeathsig makes the child receive SIGTERM if the supervisor itself
// dies without running its shutdown.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
