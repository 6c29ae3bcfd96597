package agent

import (
	"net/http"
)

// ServerStatusRequest reports the shared request and job telemetry.
func (s *HTTPServer) ServerStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	return s.agent.base.Status(), nil
}

// SchedulerStatusRequest reports the heap and queue telemetry.
func (s *HTTPServer) SchedulerStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	if s.agent.scheduler == nil {
		return nil, CodedError(http.StatusNotImplemented, "this agent does not run the scheduler role")
	}
	return s.agent.scheduler.Status(), nil
}

// WorkerStatusRequest reports the dispatch counters.
func (s *HTTPServer) WorkerStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	if s.agent.worker == nil {
		return nil, CodedError(http.StatusNotImplemented, "this agent does not run the worker role")
	}
	return s.agent.worker.Status(), nil
}

// AgentSelfRequest describes this agent: roles, addresses, and functions.
func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	self := map[string]interface{}{
		"roles":     s.agent.config.Roles,
		"http_addr": s.Addr,
		"server":    s.agent.base.Status(),
	}
	if s.agent.worker != nil {
		if info := s.agent.worker.NetworkInfo(); len(info) > 0 {
			self["network"] = info
		}
	}
	return self, nil
}

// CacheRequest empties the HTTP cache bucket on DELETE.
func (s *HTTPServer) CacheRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodDelete {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	if err := s.agent.base.DeleteHTTPCache(req.Context()); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}
