package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sagecode/sage/pkg/models"
)

// maxJournalLine bounds a single record; tool outputs are truncated well
// below this before recording.
const maxJournalLine = 16 * 1024 * 1024

// Replay reads a journal back into records. It stops at the session_ended
// record or end of file. A trailing line that does not parse, usually the
// result of a crash mid-write, terminates replay without error; any earlier
// unparseable line is reported.
func Replay(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	var records []Record
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			// The bad line was not the last one; the journal is corrupt,
			// not merely truncated.
			return nil, pendingErr
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			pendingErr = fmt.Errorf("parse journal line after sequence %d: %w", lastSequence(records), err)
			continue
		}
		records = append(records, rec)
		if rec.Kind == KindSessionEnded {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return records, nil
}

func lastSequence(records []Record) uint64 {
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Sequence
}

// Session is a journal replayed into resumable form.
type Session struct {
	Started  SessionStartedPayload
	Messages []models.Message
	Usage    models.Usage
	Steps    int
	Ended    bool
	Success  bool
}

// Rebuild reconstructs a session from replayed records. The message list is
// assembled from user_message, llm_response, and tool_result records; the
// head system prompt is not journaled and is reassembled by the caller.
// Compaction records are informational only, so a resumed session starts
// from the full history and compacts again on its own.
func Rebuild(records []Record) (*Session, error) {
	s := &Session{}
	for _, rec := range records {
		switch rec.Kind {
		case KindSessionStarted:
			if err := json.Unmarshal(rec.Payload, &s.Started); err != nil {
				return nil, fmt.Errorf("parse session_started: %w", err)
			}
		case KindUserMessage:
			var p UserMessagePayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("parse user_message at sequence %d: %w", rec.Sequence, err)
			}
			s.Messages = append(s.Messages, models.UserMessage(p.Content))
		case KindLLMResponse:
			var p LLMResponsePayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("parse llm_response at sequence %d: %w", rec.Sequence, err)
			}
			s.Messages = append(s.Messages, models.AssistantMessage(p.Content, p.ToolCalls...))
			s.Usage.Add(p.Usage)
			if p.Step > s.Steps {
				s.Steps = p.Step
			}
		case KindToolResult:
			var p ToolResultPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("parse tool_result at sequence %d: %w", rec.Sequence, err)
			}
			s.Messages = append(s.Messages, models.ToolMessage(p.Result.CallID, p.Result.ToolName, p.Result.Text()))
		case KindSessionEnded:
			var p SessionEndedPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("parse session_ended: %w", err)
			}
			s.Ended = true
			s.Success = p.Success
		}
	}
	return s, nil
}

// Load replays and rebuilds a journal in one step.
func Load(path string) (*Session, error) {
	records, err := Replay(path)
	if err != nil {
		return nil, err
	}
	return Rebuild(records)
}
