package capd

import (
	log "github.com/sirupsen/logrus"

	"github.com/msteffen/capsup/client"
)

// LoggingAPI wraps a CaptureSupervisorAPI, but logs all requests and responses
type LoggingAPI struct {
	inner client.CaptureSupervisorAPI
}

// Status implements the corresponding method of the CaptureSupervisorAPI
// interface. Status is polled, so it's logged at debug level
func (a *LoggingAPI) Status() (resp *client.StatusResponse, retErr error) {
	log.Debug("/status")
	defer func() {
		if resp == nil {
			log.Debugf("/status -> %v", retErr)
			return
		}
		log.Debugf("/status -> (%d live, healthy: %t, %v)",
			len(resp.Live), resp.Merge.Healthy, retErr)
	}()
	return a.inner.Status()
}

// Stop implements the corresponding method of the CaptureSupervisorAPI
// interface, passing the call to a.inner and logging the request and response
func (a *LoggingAPI) Stop() (retErr error) {
	log.Infof("/stop")
	defer func() {
		log.Infof("/stop -> %#v", retErr)
	}()
	return a.inner.Stop()
}

// Failed implements the corresponding method of the CaptureSupervisorAPI
// interface, passing the call to a.inner and logging the request and response
func (a *LoggingAPI) Failed() (resp *client.FailedResponse, retErr error) {
	log.Infof("/failed")
	defer func() {
		n := 0
		if resp != nil {
			n = len(resp.Segments)
		}
		log.Infof("/failed -> (%d segments, %v)", n, retErr)
	}()
	return a.inner.Failed()
}
