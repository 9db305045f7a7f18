// Package inmem provides an in-memory implementation of the workflow engine
// for tests and single-process development.
//
// Workflows run in their own goroutine. Activity outputs, workflow time readings
// and received signals are recorded in a Journal keyed by workflow id. Starting
// a workflow again with the id of a canceled run replays the recorded steps
// instead of executing them, which is how tests simulate crash recovery. A run
// started with a different input discards the recorded steps. Payloads cross
// every activity boundary as JSON so values that would not survive a durable
// engine fail here too.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/telemetry"
)

type (
	// Engine is the in-memory engine.Engine implementation.
	Engine struct {
		mu sync.RWMutex

		workflows  map[string]engine.WorkflowDefinition
		activities map[string]activityDef
		running    map[string]*handle
		statuses   map[string]engine.RunStatus

		journal   *Journal
		logger    telemetry.Logger
		scheduled sync.WaitGroup
	}

	// Option configures the engine.
	Option func(*Engine)

	activityDef struct {
		handler func(context.Context, []byte) ([]byte, error)
		opts    engine.ActivityOptions
	}

	handle struct {
		id     string
		done   chan struct{}
		err    error
		result *api.AgentResponse
		wfCtx  *wfCtx
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *Engine

		seq       int
		approvals chan approval.Decision
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver struct {
		w  *wfCtx
		ch chan approval.Decision
	}
)

const (
	stepNow       = "relay.engine.now"
	stepSignal    = "relay.engine.signal"
	signalBufSize = 16
)

// New returns a new in-memory engine. Without WithJournal the engine uses a
// private journal.
func New(opts ...Option) *Engine {
	e := &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]activityDef),
		running:    make(map[string]*handle),
		statuses:   make(map[string]engine.RunStatus),
		logger:     telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.journal == nil {
		e.journal = NewJournal()
	}
	return e
}

// WithJournal shares j with the engine. Engines built on the same journal
// behave like successive processes of one durable deployment.
func WithJournal(j *Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterLoadSessionActivity implements engine.Engine.
func (e *Engine) RegisterLoadSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.LoadSessionInput) (*api.LoadSessionOutput, error)) error {
	return e.register(name, opts, wrap(fn))
}

// RegisterSaveSessionActivity implements engine.Engine.
func (e *Engine) RegisterSaveSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SaveSessionInput) error) error {
	return e.register(name, opts, wrapErr(fn))
}

// RegisterModelActivity implements engine.Engine.
func (e *Engine) RegisterModelActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error {
	return e.register(name, opts, wrap(fn))
}

// RegisterToolActivity implements engine.Engine.
func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error {
	return e.register(name, opts, wrap(fn))
}

// RegisterApprovalActivity implements engine.Engine.
func (e *Engine) RegisterApprovalActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ApprovalActivityInput) error) error {
	return e.register(name, opts, wrapErr(fn))
}

// RegisterEventActivity implements engine.Engine.
func (e *Engine) RegisterEventActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EventActivityInput) error) error {
	return e.register(name, opts, wrapErr(fn))
}

func (e *Engine) register(name string, opts engine.ActivityOptions, h func(context.Context, []byte) ([]byte, error)) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if h == nil {
		return fmt.Errorf("activity %q handler is required", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[name]; dup {
		return fmt.Errorf("activity %q already registered", name)
	}
	e.activities[name] = activityDef{handler: h, opts: opts}
	return nil
}

// StartWorkflow implements engine.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if _, running := e.running[req.ID]; running {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowRunning, req.ID)
	}

	base := context.WithoutCancel(ctx)
	var wctxCtx context.Context
	var cancel context.CancelFunc
	if req.RunTimeout > 0 {
		wctxCtx, cancel = context.WithTimeout(base, req.RunTimeout)
	} else {
		wctxCtx, cancel = context.WithCancel(base)
	}
	w := &wfCtx{
		ctx:       wctxCtx,
		id:        req.ID,
		runID:     req.ID,
		eng:       e,
		approvals: make(chan approval.Decision, signalBufSize),
	}
	h := &handle{id: req.ID, done: make(chan struct{}), wfCtx: w, cancel: cancel}
	e.running[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	raw, err := json.Marshal(req.Input)
	if err != nil {
		e.finish(h, nil, fmt.Errorf("encode workflow input: %w", err))
		return h, nil
	}
	e.journal.begin(req.ID, raw)
	var input *api.TurnInput
	if err := json.Unmarshal(raw, &input); err != nil {
		e.finish(h, nil, fmt.Errorf("decode workflow input: %w", err))
		return h, nil
	}
	go func() {
		res, err := def.Handler(w, input)
		e.finish(h, res, err)
	}()
	return h, nil
}

func (e *Engine) finish(h *handle, res *api.AgentResponse, err error) {
	defer h.cancel()
	canceled := h.wfCtx.ctx.Err() != nil
	e.mu.Lock()
	delete(e.running, h.id)
	var status engine.RunStatus
	switch {
	case err == nil:
		status = engine.RunStatusCompleted
	case canceled || errors.Is(err, context.Canceled):
		status = engine.RunStatusCanceled
	default:
		status = engine.RunStatusFailed
	}
	e.statuses[h.id] = status
	e.mu.Unlock()
	// Canceled runs keep their journal so a restart resumes them.
	if status != engine.RunStatusCanceled {
		e.journal.forget(h.id)
	}
	h.result, h.err = res, err
	close(h.done)
}

// QueryRunStatus implements engine.Engine.
func (e *Engine) QueryRunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

// SignalByID implements engine.Signaler.
func (e *Engine) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	h, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	return h.Signal(ctx, name, payload)
}

// CancelByID implements engine.Canceler.
func (e *Engine) CancelByID(ctx context.Context, workflowID, _ string) error {
	h, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	return h.Cancel(ctx)
}

// WaitScheduled blocks until every scheduled activity dispatched so far has
// run, or ctx is done.
func (e *Engine) WaitScheduled(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.scheduled.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *Engine) lookup(workflowID string) (*handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.running[workflowID]; ok {
		return h, nil
	}
	if _, ok := e.statuses[workflowID]; ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowCompleted, workflowID)
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
}

func (e *Engine) activity(name string) (activityDef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.activities[name]
	if !ok {
		return activityDef{}, fmt.Errorf("activity %q not registered", name)
	}
	return def, nil
}

// invoke runs an activity handler honoring the merged retry policy. Terminal
// errors end the loop immediately. A zero MaxAttempts means a single attempt.
func (e *Engine) invoke(ctx context.Context, workflowID, name string, input []byte, override engine.ActivityOptions) ([]byte, error) {
	def, err := e.activity(name)
	if err != nil {
		return nil, err
	}
	policy := engine.MergeRetryPolicies(def.opts.RetryPolicy, override.RetryPolicy)
	timeout := override.Timeout
	if timeout == 0 {
		timeout = def.opts.Timeout
	}
	attempts := max(policy.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		actx, cancel := withOptionalTimeout(ctx, timeout)
		actx = engine.WithActivityInfo(actx, engine.ActivityInfo{WorkflowID: workflowID, Activity: name, Attempt: attempt})
		out, err := def.handler(actx, input)
		cancel()
		if err == nil || engine.IsTerminal(err) || attempt >= attempts || ctx.Err() != nil {
			return out, err
		}
		e.logger.Warn(ctx, "activity attempt failed", "activity", name, "workflow_id", workflowID, "attempt", attempt, "err", err)
		if err := sleep(ctx, backoff(policy, attempt)); err != nil {
			return nil, err
		}
	}
}

// ID implements engine.WorkflowHandle.
func (h *handle) ID() string { return h.id }

// RunID implements engine.WorkflowHandle.
func (h *handle) RunID() string { return h.wfCtx.runID }

// Wait implements engine.WorkflowHandle.
func (h *handle) Wait(ctx context.Context) (*api.AgentResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

// Signal implements engine.WorkflowHandle.
func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	if name != api.SignalApprovalDecision {
		return fmt.Errorf("unknown signal %q", name)
	}
	var d approval.Decision
	switch v := payload.(type) {
	case approval.Decision:
		d = v
	case *approval.Decision:
		if v == nil {
			return errors.New("nil approval decision")
		}
		d = *v
	default:
		return fmt.Errorf("signal %q expects approval.Decision, got %T", name, payload)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return engine.ErrWorkflowCompleted
	case h.wfCtx.approvals <- d:
		return nil
	}
}

// Cancel implements engine.WorkflowHandle.
func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context { return w.ctx }
func (w *wfCtx) WorkflowID() string       { return w.id }
func (w *wfCtx) RunID() string            { return w.runID }
func (w *wfCtx) Logger() telemetry.Logger { return w.eng.logger }

func (w *wfCtx) nextSeq() int {
	w.seq++
	return w.seq
}

func (w *wfCtx) journal() *Journal { return w.eng.journal }

func (w *wfCtx) replay(seq int) (*Entry, bool) { return w.journal().lookup(w.id, seq) }

// Now returns the wall clock on first execution and the recorded time on replay.
func (w *wfCtx) Now() time.Time {
	seq := w.nextSeq()
	if entry, ok := w.replay(seq); ok && entry.Step == stepNow {
		var t time.Time
		if err := json.Unmarshal(entry.Output, &t); err == nil {
			return t
		}
	}
	now := time.Now().UTC()
	b, _ := json.Marshal(now)
	w.journal().record(w.id, seq, Entry{Step: stepNow, Output: b})
	return now
}

func (w *wfCtx) LoadSession(ctx context.Context, call engine.LoadSessionCall) (*api.LoadSessionOutput, error) {
	return execute[*api.LoadSessionOutput](ctx, w, w.nextSeq(), call.Name, call.Input, call.Options)
}

func (w *wfCtx) SaveSession(ctx context.Context, call engine.SaveSessionCall) error {
	_, err := execute[struct{}](ctx, w, w.nextSeq(), call.Name, call.Input, call.Options)
	return err
}

func (w *wfCtx) ExecuteModelActivity(ctx context.Context, call engine.ModelActivityCall) (*api.ModelActivityOutput, error) {
	return execute[*api.ModelActivityOutput](ctx, w, w.nextSeq(), call.Name, call.Input, call.Options)
}

func (w *wfCtx) ExecuteToolActivityAsync(ctx context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("tool activity name is required")
	}
	if _, err := w.eng.activity(call.Name); err != nil {
		return nil, err
	}
	seq := w.nextSeq()
	fut := &future[*api.ToolActivityOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		fut.result, fut.err = execute[*api.ToolActivityOutput](ctx, w, seq, call.Name, call.Input, call.Options)
	}()
	return fut, nil
}

// ScheduleToolActivity records the dispatch and runs the activity after delay
// on a context detached from the workflow, so it outlives cancellation and
// completion of the workflow.
func (w *wfCtx) ScheduleToolActivity(ctx context.Context, call engine.ToolActivityCall, delay time.Duration) error {
	if _, err := w.eng.activity(call.Name); err != nil {
		return err
	}
	seq := w.nextSeq()
	if _, ok := w.replay(seq); ok {
		return nil
	}
	input, err := json.Marshal(call.Input)
	if err != nil {
		return fmt.Errorf("encode scheduled activity input: %w", err)
	}
	w.journal().record(w.id, seq, Entry{Step: call.Name})

	e := w.eng
	base := context.WithoutCancel(ctx)
	wfID := fmt.Sprintf("%s/scheduled/%d", w.id, seq)
	e.scheduled.Add(1)
	go func() {
		defer e.scheduled.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			<-t.C
		}
		if _, err := e.invoke(base, wfID, call.Name, input, call.Options); err != nil {
			e.logger.Error(base, "scheduled activity failed", "activity", call.Name, "workflow_id", wfID, "err", err)
		}
	}()
	return nil
}

func (w *wfCtx) ExecuteApprovalActivity(ctx context.Context, call engine.ApprovalActivityCall) error {
	_, err := execute[struct{}](ctx, w, w.nextSeq(), call.Name, call.Input, call.Options)
	return err
}

func (w *wfCtx) PublishEvent(ctx context.Context, call engine.EventActivityCall) error {
	_, err := execute[struct{}](ctx, w, w.nextSeq(), call.Name, call.Input, call.Options)
	return err
}

func (w *wfCtx) ApprovalDecisions() engine.Receiver[approval.Decision] {
	return receiver{w: w, ch: w.approvals}
}

func (r receiver) Receive(ctx context.Context) (approval.Decision, error) {
	d, _, err := r.receive(ctx, 0)
	return d, err
}

func (r receiver) ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (approval.Decision, bool, error) {
	if timeout <= 0 {
		d, ok := r.ReceiveAsync()
		return d, ok, nil
	}
	return r.receive(ctx, timeout)
}

// receive waits for a decision, or for timeout when positive. The deadline is
// journaled before blocking and the outcome once known, so a replay observes
// the same decision or timeout and a wait interrupted by cancellation resumes
// with the time it had left.
func (r receiver) receive(ctx context.Context, timeout time.Duration) (approval.Decision, bool, error) {
	seq := r.w.nextSeq()
	var deadline time.Time
	if entry, ok := r.w.replay(seq); ok && entry.Step == stepSignal {
		var rec signalRecord
		if err := json.Unmarshal(entry.Output, &rec); err == nil {
			if rec.Done {
				return rec.Decision, rec.Received, nil
			}
			deadline = rec.Deadline
		}
	} else {
		if timeout > 0 {
			deadline = time.Now().Add(timeout).UTC()
		}
		r.record(seq, signalRecord{Deadline: deadline})
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}
	rec := signalRecord{Deadline: deadline, Done: true}
	select {
	case <-ctx.Done():
		return approval.Decision{}, false, ctx.Err()
	case d := <-r.ch:
		rec.Decision, rec.Received = d, true
	case <-timer:
	}
	r.record(seq, rec)
	return rec.Decision, rec.Received, nil
}

func (r receiver) record(seq int, rec signalRecord) {
	b, _ := json.Marshal(rec)
	r.w.journal().record(r.w.id, seq, Entry{Step: stepSignal, Output: b})
}

func (r receiver) ReceiveAsync() (approval.Decision, bool) {
	select {
	case d := <-r.ch:
		return d, true
	default:
		return approval.Decision{}, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// signalRecord is the journaled state of a wait. Done is false while the wait
// is still blocked.
type signalRecord struct {
	Decision approval.Decision `json:"decision"`
	Received bool              `json:"received"`
	Deadline time.Time         `json:"deadline,omitempty"`
	Done     bool              `json:"done"`
}

// execute runs (or replays) the activity journaled at seq and decodes its
// output into T.
func execute[T any](ctx context.Context, w *wfCtx, seq int, name string, input any, opts engine.ActivityOptions) (T, error) {
	var out T
	if name == "" {
		return out, errors.New("activity name is required")
	}
	if entry, ok := w.replay(seq); ok {
		if entry.Step != name {
			return out, fmt.Errorf("nondeterministic replay of %s: step %d recorded %q, requested %q", w.id, seq, entry.Step, name)
		}
		if entry.Err != nil {
			return out, entry.Err.err()
		}
		err := decode(entry.Output, &out)
		return out, err
	}
	in, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("encode %s input: %w", name, err)
	}
	raw, err := w.eng.invoke(ctx, w.id, name, in, opts)
	if ctx.Err() != nil {
		// The workflow was canceled while the activity ran: nothing is
		// journaled so a restart executes the step again.
		if err == nil {
			err = ctx.Err()
		}
		return out, err
	}
	entry := Entry{Step: name, Output: raw}
	if err != nil {
		entry.Err = newRecordedError(err)
	}
	w.journal().record(w.id, seq, entry)
	if err != nil {
		return out, err
	}
	err = decode(raw, &out)
	return out, err
}

func wrap[In, Out any](fn func(context.Context, In) (Out, error)) func(context.Context, []byte) ([]byte, error) {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		var in In
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

func wrapErr[In any](fn func(context.Context, In) error) func(context.Context, []byte) ([]byte, error) {
	if fn == nil {
		return nil
	}
	return wrap(func(ctx context.Context, in In) (struct{}, error) {
		return struct{}{}, fn(ctx, in)
	})
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode activity payload: %w", err)
	}
	return nil
}

func backoff(p engine.RetryPolicy, attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	return time.Duration(float64(p.InitialInterval) * math.Pow(coeff, float64(attempt-1)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
