//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package main

import (
	"os"

	"golang.org/x/crypto/ssh/terminal"
)

func termColumns() int {
	if w, _, err := terminal.GetSize(int(os.Stdout.Fd())); err == nil {
		return w
	}
	return 0
}
