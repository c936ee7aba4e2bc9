//go:build !linux

package main

import "syscall"

// detachSession is a no-op outside Linux; Setsid handling there is left to
// the platform default.
func detachSession(_ *syscall.SysProcAttr) {}

func closeStdio() {}
