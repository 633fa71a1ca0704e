//go:build !unix

package endpoint

import (
	"syscall"
)

func control(rcvbuf int) func(network, address string, c syscall.RawConn) error {
	return nil
}
