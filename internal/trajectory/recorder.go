package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sagecode/sage/pkg/models"
)

// Recorder appends records to a JSONL journal. Every write is flushed so a
// crash loses at most the line in flight; the file is fsynced when the
// session ends. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seq  uint64
	path string
}

// NewRecorder opens (or creates) a journal at path, creating parent
// directories as needed. An existing file is appended to.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Recorder{file: file, w: bufio.NewWriter(file), path: path}, nil
}

// ResumeRecorder reopens an existing journal for appending, continuing the
// sequence after the last replayed record.
func ResumeRecorder(path string, lastSequence uint64) (*Recorder, error) {
	rec, err := NewRecorder(path)
	if err != nil {
		return nil, err
	}
	rec.seq = lastSequence
	return rec, nil
}

// Path returns the journal file path.
func (r *Recorder) Path() string {
	return r.path
}

// Record appends one envelope with the given kind and payload.
func (r *Recorder) Record(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec := Record{
		Sequence:  r.seq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	if _, err := r.w.Write(line); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write %s record: %w", kind, err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

// SessionStarted records the opening envelope.
func (r *Recorder) SessionStarted(p SessionStartedPayload) error {
	return r.Record(KindSessionStarted, p)
}

// UserMessage records user input verbatim.
func (r *Recorder) UserMessage(content string) error {
	return r.Record(KindUserMessage, UserMessagePayload{Content: content})
}

// LLMRequest records an outgoing provider call.
func (r *Recorder) LLMRequest(p LLMRequestPayload) error {
	return r.Record(KindLLMRequest, p)
}

// LLMResponse records a completed provider response.
func (r *Recorder) LLMResponse(step int, resp *models.Response) error {
	return r.Record(KindLLMResponse, LLMResponsePayload{
		Step:         step,
		Content:      resp.Content,
		ToolCalls:    resp.ToolCalls,
		Usage:        resp.Usage,
		FinishReason: string(resp.FinishReason),
		Model:        resp.Model,
		ID:           resp.ID,
	})
}

// ToolCall records a tool invocation.
func (r *Recorder) ToolCall(step int, call models.ToolCall) error {
	return r.Record(KindToolCall, ToolCallPayload{
		Step:      step,
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})
}

// ToolResult records a tool outcome.
func (r *Recorder) ToolResult(step int, result models.ToolResult) error {
	return r.Record(KindToolResult, ToolResultPayload{Step: step, Result: result})
}

// MessageAppended records an integrity trace for a history append.
func (r *Recorder) MessageAppended(msg models.Message) error {
	return r.Record(KindMessageAppended, MessageAppendedPayload{
		Role:       msg.Role,
		ContentSHA: contentDigest(msg.Content),
		Length:     len(msg.Content),
	})
}

// Compaction records a context compaction event.
func (r *Recorder) Compaction(before, after, tokensSaved int) error {
	return r.Record(KindCompaction, CompactionPayload{
		MessagesBefore: before,
		MessagesAfter:  after,
		TokensSaved:    tokensSaved,
	})
}

// SessionEnded records the closing envelope and fsyncs the journal.
func (r *Recorder) SessionEnded(p SessionEndedPayload) error {
	if err := r.Record(KindSessionEnded, p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("flush journal: %w", err)
	}
	return r.file.Close()
}
