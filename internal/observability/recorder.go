package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow-run/conductor/internal/store"
)

// Recorder is the append-only writer spec's Observability Recorders
// module describes: one per run, thread-safe, keeping transcript and
// tool-use sequence numbers monotone even under concurrent writers
// within that run. Content-class (reasoning, tool-request,
// agent-output) rides in Role, since transcript turns in this domain
// map one class per role.
type Recorder struct {
	mu sync.Mutex

	store   *store.Store
	tracer  *Tracer
	metrics *Metrics

	runID  string
	taskID string

	transcriptSeq int
	toolSeq       int
	closed        bool
}

func newRecorder(st *store.Store, tracer *Tracer, metrics *Metrics, runID, taskID string) *Recorder {
	return &Recorder{store: st, tracer: tracer, metrics: metrics, runID: runID, taskID: taskID}
}

// Summary is the consolidated count a closed Recorder reports, for the
// caller to fold into its own run-completion event payload rather than
// the Recorder publishing a second, redundant event.
type Summary struct {
	TranscriptTurns int
	ToolCalls       int
}

// AppendTranscript records one conversation turn, assigning the next
// sequence number for this run.
func (r *Recorder) AppendTranscript(ctx context.Context, role, content string) error {
	ctx, span := r.tracer.Start(ctx, "recorder.append_transcript")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.transcriptSeq++
	seq := r.transcriptSeq

	if err := r.store.AppendTranscript(ctx, store.Transcript{
		ID:        uuid.NewString(),
		RunID:     r.runID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.transcriptTurns.Add(ctx, 1)
	}
	return nil
}

// ToolCall is an in-flight tool invocation opened by BeginToolUse;
// calling End records its outcome.
type ToolCall struct {
	rec       *Recorder
	id        string
	seq       int
	toolName  string
	input     string
	startedAt time.Time
}

// BeginToolUse opens a tool-use record, returning a handle whose End
// method closes it with the result.
func (r *Recorder) BeginToolUse(toolName, input string) *ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolSeq++
	return &ToolCall{
		rec: r, id: uuid.NewString(), seq: r.toolSeq,
		toolName: toolName, input: input, startedAt: time.Now().UTC(),
	}
}

// End records the tool call's output (or error), closing it.
func (c *ToolCall) End(ctx context.Context, output, errMsg string) error {
	ctx, span := c.rec.tracer.Start(ctx, "recorder.tool_use")
	defer span.End()

	now := time.Now().UTC()
	if err := c.rec.store.AppendToolUse(ctx, store.ToolUse{
		ID: c.id, RunID: c.rec.runID, Seq: c.seq, ToolName: c.toolName,
		Input: c.input, Output: output, Error: errMsg,
		StartedAt: c.startedAt, EndedAt: &now,
	}); err != nil {
		return err
	}
	if c.rec.metrics != nil {
		c.rec.metrics.toolCalls.Add(ctx, 1)
		if errMsg != "" {
			c.rec.metrics.toolErrors.Add(ctx, 1)
		}
	}
	return nil
}

// RecordAssertion records a self-reported claim for later cross-check
// against the Verification Gate's findings.
func (r *Recorder) RecordAssertion(ctx context.Context, statement string, confidence float64) error {
	return r.store.SaveAssertion(ctx, store.Assertion{
		ID: uuid.NewString(), RunID: r.runID, TaskID: r.taskID,
		Statement: statement, Confidence: confidence, CreatedAt: time.Now().UTC(),
	})
}

// RecordSkillTrace records one named-skill invocation and its outcome.
func (r *Recorder) RecordSkillTrace(ctx context.Context, skillName, input, output string, startedAt time.Time) error {
	now := time.Now().UTC()
	return r.store.SaveSkillTrace(ctx, store.SkillTrace{
		ID: uuid.NewString(), RunID: r.runID, SkillName: skillName,
		Input: input, Output: output, StartedAt: startedAt, EndedAt: &now,
	})
}

// Close finalizes the recorder, returning a summary for the caller's
// own run-completion event. Further appends after Close are no-ops.
func (r *Recorder) Close() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return Summary{TranscriptTurns: r.transcriptSeq, ToolCalls: r.toolSeq}
}
