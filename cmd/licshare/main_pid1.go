//go:build !no_psi

package main

import "pkt.systems/psi"

// psi supervises the process (reaping children and forwarding signals when
// licshare runs as PID 1 in a container) and exits with submain's code.
func main() {
	psi.Run(submain)
}
