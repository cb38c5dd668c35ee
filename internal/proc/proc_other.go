//go:build !unix

package proc

import "os"

// there is no graceful termination request outside of unix
func terminate(p *os.Process) error {
	return p.Kill()
}
