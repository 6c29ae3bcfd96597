package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/rs/cors"
)

// HTTPServer serves the v1 API for one agent.
type HTTPServer struct {
	agent  *Agent
	mux    *http.ServeMux
	ln     net.Listener
	srv    *http.Server
	logger hclog.Logger

	// Addr is the bound listener address.
	Addr string
}

// NewHTTPServer starts the listener and registers the handlers.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTPAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", config.HTTPAddr(), err)
	}

	mux := http.NewServeMux()
	s := &HTTPServer{
		agent:  agent,
		mux:    mux,
		ln:     ln,
		logger: agent.logger.Named("http"),
		Addr:   ln.Addr().String(),
	}
	s.registerHandlers()

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(gziphandler.GzipHandler(mux))

	s.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return s, nil
}

// Shutdown closes the listener.
func (s *HTTPServer) Shutdown() {
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/v1/function/", s.wrap(s.FunctionSpecificRequest))
	s.mux.HandleFunc("/v1/scheduler/add", s.wrap(s.SchedulerAddRequest))
	s.mux.HandleFunc("/v1/status/server", s.wrap(s.ServerStatusRequest))
	s.mux.HandleFunc("/v1/status/scheduler", s.wrap(s.SchedulerStatusRequest))
	s.mux.HandleFunc("/v1/status/worker", s.wrap(s.WorkerStatusRequest))
	s.mux.HandleFunc("/v1/cache", s.wrap(s.CacheRequest))
	s.mux.HandleFunc("/v1/agent/self", s.wrap(s.AgentSelfRequest))
}

// codedError is an error with an HTTP status attached.
type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string { return e.msg }

// CodedError wraps a message with the response status the handler should
// send.
func CodedError(code int, msg string) error {
	return &codedError{code: code, msg: msg}
}

// wrap turns an endpoint into an http.HandlerFunc, encoding the result as
// JSON and errors as {"error": ...} objects.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		defer metrics.MeasureSince([]string{"spider", "http", "request"}, start)

		obj, err := handler(resp, req)
		if err != nil {
			code := http.StatusInternalServerError
			if coded, ok := err.(*codedError); ok {
				code = coded.code
			}
			s.logger.Debug("request failed", "method", req.Method,
				"path", req.URL.Path, "code", code, "error", err)
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			enc := json.NewEncoder(resp)
			enc.Encode(map[string]string{"error": err.Error()})
			return
		}
		if obj == nil {
			resp.WriteHeader(http.StatusOK)
			return
		}
		buf, err := json.Marshal(obj)
		if err != nil {
			resp.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
}
