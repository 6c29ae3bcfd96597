package agent

import (
	"errors"
	"net/http"

	"github.com/wehriam/awspider/spider/structs"
)

// SchedulerAddRequest registers a freshly created reservation with the
// running scheduler. Unknown types are logged and swallowed so a stale
// interface cannot wedge reservation creation.
func (s *HTTPServer) SchedulerAddRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if s.agent.scheduler == nil {
		return nil, CodedError(http.StatusNotImplemented, "this agent does not run the scheduler role")
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	uuid := req.URL.Query().Get("uuid")
	catalogType := req.URL.Query().Get("type")
	if uuid == "" || catalogType == "" {
		return nil, CodedError(http.StatusBadRequest, "both uuid and type parameters are required")
	}

	if err := s.agent.scheduler.AddToHeap(uuid, catalogType); err != nil {
		if errors.Is(err, structs.ErrUnknownFunction) {
			s.logger.Error("scheduler add for unknown function",
				"uuid", uuid, "type", catalogType)
			return map[string]interface{}{}, nil
		}
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	return map[string]interface{}{}, nil
}
