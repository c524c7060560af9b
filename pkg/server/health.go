package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ReadyResponse is the body of /ready
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

type readyCheck struct {
	name    string
	waiting string
	run     func() (string, error)
}

func (s *Server) readyChecks() []readyCheck {
	return []readyCheck{
		{name: "raft", waiting: "Waiting for leader election", run: s.checkRaft},
		{name: "storage", waiting: "Storage not accessible", run: s.checkStorage},
	}
}

func (s *Server) checkRaft() (string, error) {
	c := s.deps.Cluster
	switch {
	case c == nil:
		return "", errors.New("not initialized")
	case c.IsLeader():
		return "leader", nil
	case c.LeaderAddr() != "":
		return fmt.Sprintf("follower (leader: %s)", c.LeaderAddr()), nil
	default:
		return "", errors.New("no leader elected")
	}
}

func (s *Server) checkStorage() (string, error) {
	if s.deps.Store == nil {
		return "", errors.New("not initialized")
	}
	attempts, err := s.deps.Store.ListAttempts()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ok (%d merge attempts)", len(attempts)), nil
}

// readyHandler answers 200 once the manager can serve merge requests. The
// message names the first failing check.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}
	code := http.StatusOK

	for _, c := range s.readyChecks() {
		detail, err := c.run()
		if err == nil {
			resp.Checks[c.name] = detail
			continue
		}
		resp.Checks[c.name] = "error: " + err.Error()
		if code == http.StatusOK {
			code = http.StatusServiceUnavailable
			resp.Status = "not ready"
			resp.Message = c.waiting
		}
	}

	writeJSON(w, code, resp)
}
