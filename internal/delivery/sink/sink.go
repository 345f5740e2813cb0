// Package sink holds notification sink implementations used by tests and
// local demos. A real provider is an external collaborator per spec §1/§6;
// this package only supplies fakes.
package sink

import "context"

// Mock records every call it receives and answers with canned results
// keyed by destination, falling back to ok=true when no entry is set.
type Mock struct {
	Results map[string]MockResult
	Calls   []Call
}

type MockResult struct {
	OK     bool
	Reason string
	Err    error
}

type Call struct {
	Channel     string
	Destination string
	Payload     []byte
}

func NewMock() *Mock {
	return &Mock{Results: map[string]MockResult{}}
}

func (m *Mock) Send(ctx context.Context, channel, destination string, payload []byte) (bool, string, error) {
	m.Calls = append(m.Calls, Call{Channel: channel, Destination: destination, Payload: payload})
	if res, ok := m.Results[destination]; ok {
		return res.OK, res.Reason, res.Err
	}
	return true, "", nil
}

// Always answers every Send with a fixed ok/reason pair, for simple
// success/failure-path tests.
type Always struct {
	Ok     bool
	Reason string
}

func (a Always) Send(ctx context.Context, channel, destination string, payload []byte) (bool, string, error) {
	return a.Ok, a.Reason, nil
}
