package api

import "net/http"

type runtimesResponse struct {
	Runtimes []string `json:"runtimes"`
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if s.runtimes != nil {
		names = s.runtimes.Names()
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, runtimesResponse{Runtimes: names})
}
