//go:build !unix

package simplehttp

import (
	"os"
	"syscall"
)

// exitStatusOf can only tell exits apart from abnormal terminations here;
// the latter report an exit code of -1.
func exitStatusOf(ps *os.ProcessState) ExitStatus {
	if code := ps.ExitCode(); code >= 0 {
		return ExitStatus{Exited: true, Code: code}
	}
	return ExitStatus{}
}

func signalName(sig syscall.Signal) string {
	return sig.String()
}
