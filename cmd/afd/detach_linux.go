package main

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachSession puts the re-exec'd supervisor in a session of its own so
// that it survives the invoking terminal.
func detachSession(attr *syscall.SysProcAttr) {
	attr.Setsid = true
}

// closeStdio points the standard descriptors at /dev/null. Called once the
// detached supervisor is committed; until then startup errors still reach
// the operator through the inherited stderr.
func closeStdio() {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	for fd := 0; fd <= 2; fd++ {
		_ = unix.Dup3(int(f.Fd()), fd, 0)
	}
	f.Close()
}
