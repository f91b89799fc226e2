//go:build windows

package jsonrpc

import "os"

func terminate(p *os.Process) error {
	return p.Kill()
}
