package agent

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wehriam/awspider/spider/structs"
)

// FunctionSpecificRequest creates a reservation for the function named by
// the request path. GET passes arguments as query parameters, POST as form
// values.
func (s *HTTPServer) FunctionSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if s.agent.iface == nil {
		return nil, CodedError(http.StatusNotImplemented, "this agent does not run the interface role")
	}

	name := strings.Trim(strings.TrimPrefix(req.URL.Path, "/v1/function/"), "/")
	if name == "" {
		return nil, CodedError(http.StatusNotFound, "no function name in path")
	}

	args := make(map[string]string)
	switch req.Method {
	case http.MethodGet:
		for k, vs := range req.URL.Query() {
			if len(vs) > 0 {
				args[k] = vs[0]
			}
		}
	case http.MethodPost:
		if err := req.ParseForm(); err != nil {
			return nil, CodedError(http.StatusBadRequest, "could not parse form: "+err.Error())
		}
		for k, vs := range req.PostForm {
			if len(vs) > 0 {
				args[k] = vs[0]
			}
		}
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	data, err := s.agent.iface.CreateReservation(req.Context(), name, args)
	if err != nil {
		var invalid *structs.InvalidArgumentsError
		switch {
		case errors.Is(err, structs.ErrUnknownFunction):
			return nil, CodedError(http.StatusNotFound, err.Error())
		case errors.As(err, &invalid):
			return nil, CodedError(http.StatusBadRequest, err.Error())
		case errors.Is(err, structs.ErrDeleteReservation):
			// The function declined to keep the reservation; nothing to
			// return.
			return map[string]interface{}{}, nil
		default:
			return nil, err
		}
	}
	return data, nil
}
