package capd

import (
	"fmt"
	"net"
)

// AlreadyRunningErr is returned by Listen when another capture daemon is
// already serving the control API on the requested address
type AlreadyRunningErr struct {
	Addr string
}

func (e *AlreadyRunningErr) Error() string {
	_, port, err := net.SplitHostPort(e.Addr)
	advice := fmt.Sprintf("(try 'sudo lsof -i :%s' to find the pid)", port)
	if err != nil {
		advice = fmt.Sprintf("(could not split hostport: %v)", err)
	}
	return fmt.Sprintf("capture daemon is already running on address %q %s", e.Addr, advice)
}
