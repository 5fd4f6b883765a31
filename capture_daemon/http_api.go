package capd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/msteffen/capsup/client"
)

// shutdownTimeout bounds how long Serve waits for in-flight API requests once
// the daemon has stopped
const shutdownTimeout = 5 * time.Second

// httpServer implements HTTP API wrappers around the apiServer's methods. It's
// stateless, but does all validation and parsing, so that any error returned
// by apiServer can be an internal server error
type httpServer struct {
	apiServer client.CaptureSupervisorAPI
}

func writeJSON(w http.ResponseWriter, endpoint string, v interface{}) {
	respJSON, err := json.Marshal(v)
	if err != nil {
		log.Errorf("could not serialize %s result: %v", endpoint, err)
		http.Error(w, "could not serialize result: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(respJSON)
}

func (h *httpServer) status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.apiServer.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, "/status", resp)
}

func (h *httpServer) stop(w http.ResponseWriter, r *http.Request) {
	// Require a request body so that a stray GET or an empty POST from a
	// browser can't stop a capture
	req := make(map[string]interface{})
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := fmt.Sprintf("request did not match expected type: %v", err)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if req["confirm"] != "yes" {
		http.Error(w, "must send confirmation message to stop the capture daemon", http.StatusBadRequest)
		return
	}
	if err := h.apiServer.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *httpServer) failed(w http.ResponseWriter, r *http.Request) {
	resp, err := h.apiServer.Failed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, "/failed", resp)
}

func (h *httpServer) notFound(w http.ResponseWriter, r *http.Request) {
	log.Infof("request for unhandled path: %s", r.URL.Path)
	http.Error(w, "404 page not found", http.StatusNotFound)
}

// ToHTTPServer wraps 'api' in a golang http.Server that serves the
// CaptureSupervisorAPI over HTTP. The caller chooses how to listen, so that
// tests can serve on an ephemeral port
func ToHTTPServer(api client.CaptureSupervisorAPI) *http.Server {
	h := &httpServer{apiServer: &LoggingAPI{inner: api}}
	router := mux.NewRouter()
	router.HandleFunc("/status", h.status).Methods(http.MethodGet)
	router.HandleFunc("/stop", h.stop).Methods(http.MethodPost)
	router.HandleFunc("/failed", h.failed).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(h.notFound)
	return &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Listen opens the control API's listener on 'address', after checking that
// no other capture daemon is already serving there
func Listen(address string) (net.Listener, error) {
	c := &client.Client{
		Address:    address,
		HTTPClient: &http.Client{Timeout: time.Second},
	}
	if _, err := c.Status(); err == nil {
		return nil, &AlreadyRunningErr{Addr: address}
	}
	return net.Listen("tcp", address)
}

// Serve serves the control API for 'd' on 'l' while d runs, and returns once
// d has stopped (see Daemon.Run). 'l' may be nil, in which case the daemon
// runs without a control API
func Serve(ctx context.Context, d *Daemon, l net.Listener) error {
	if l == nil {
		return d.Run(ctx)
	}
	s := ToHTTPServer(d)
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("control API listening on %s", l.Addr())
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control API stopped: %v", err)
			serveErr <- err
		}
		close(serveErr)
	}()

	runErr := d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warnf("could not shut down control API cleanly: %v", err)
	}
	if runErr != nil {
		return runErr
	}
	// the daemon ran to completion even if the API died; report it anyway
	return <-serveErr
}
