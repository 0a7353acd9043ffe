package tool

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Call is one audited sandbox operation. Calls are recorded whether the
// operation was allowed or rejected.
type Call struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Inputs   map[string]string `json:"inputs"`
	Result   string            `json:"result"`
	Error    string            `json:"error,omitempty"`
	Started  time.Time         `json:"started"`
	Duration string            `json:"duration"`
}

func newCallID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func (s *Sandbox) begin(kind string, inputs map[string]string) *Call {
	return &Call{
		ID:      newCallID(),
		Kind:    kind,
		Inputs:  inputs,
		Started: time.Now(),
	}
}

func (s *Sandbox) finish(c *Call, result string, err error) {
	c.Duration = time.Since(c.Started).Round(time.Millisecond).String()
	c.Result = result
	if err != nil {
		c.Error = err.Error()
	}
	s.mu.Lock()
	s.calls = append(s.calls, *c)
	s.mu.Unlock()
}

// Calls returns a copy of every call recorded so far.
func (s *Sandbox) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// DrainCalls returns the recorded calls and clears the log. The pipeline
// drains between steps so each step's output carries only its own calls.
func (s *Sandbox) DrainCalls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.calls
	s.calls = nil
	return out
}
