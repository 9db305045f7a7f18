package inmem

import (
	"encoding/json"
	"errors"
	"sync"

	"goa.design/relay/runtime/agent/engine"
)

type (
	// Journal records the completed steps of workflows that have not finished
	// successfully. It is safe for concurrent use.
	Journal struct {
		mu     sync.Mutex
		runs   map[string]map[int]Entry
		inputs map[string]string
	}

	// Entry is one recorded workflow step.
	Entry struct {
		// Step names the activity or engine primitive recorded.
		Step string `json:"step"`
		// Output is the JSON-encoded step output.
		Output json.RawMessage `json:"output,omitempty"`
		// Err is the recorded failure, if any.
		Err *RecordedError `json:"error,omitempty"`
	}

	// RecordedError is the durable form of a step failure.
	RecordedError struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`

		// live is the original error while the process that recorded it is
		// still the one replaying it.
		live error
	}
)

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{runs: make(map[string]map[int]Entry), inputs: make(map[string]string)}
}

// Len returns the number of steps recorded for workflowID.
func (j *Journal) Len(workflowID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.runs[workflowID])
}

// begin associates input with the run of workflowID. Steps recorded for a
// different input belong to another run reusing the id and are discarded.
func (j *Journal) begin(workflowID string, input []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if prev, ok := j.inputs[workflowID]; ok && prev != string(input) {
		delete(j.runs, workflowID)
	}
	j.inputs[workflowID] = string(input)
}

func (j *Journal) lookup(workflowID string, seq int) (*Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.runs[workflowID][seq]
	if !ok {
		return nil, false
	}
	return &e, true
}

func (j *Journal) record(workflowID string, seq int, e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[workflowID]
	if !ok {
		run = make(map[int]Entry)
		j.runs[workflowID] = run
	}
	run[seq] = e
}

func (j *Journal) forget(workflowID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.runs, workflowID)
	delete(j.inputs, workflowID)
}

func newRecordedError(err error) *RecordedError {
	rec := &RecordedError{Message: err.Error(), live: err}
	if te, ok := engine.AsTerminal(err); ok {
		rec.Code = te.Code
	}
	return rec
}

func (r *RecordedError) err() error {
	if r.live != nil {
		return r.live
	}
	if r.Code != "" {
		return engine.NewTerminal(r.Code, r.Message)
	}
	return errors.New(r.Message)
}
