// Package aggregator turns the parsed record sequence of one Agent CLI turn
// into canonical client events.
//
// The CLI emits many small records per turn; clients want one final message.
// The aggregator buffers assistant text, extracts deliverables, watches for
// conversational permission requests, and at the result record emits a single
// assistantMessage{final} followed by a conversationResult.
package aggregator

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/permission"
	"github.com/agentgate/agentgate/pkg/agentcli"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Emitter delivers one canonical event. The orchestrator wraps it in the
// wire envelope and routes it through the delivery queue.
type Emitter func(eventType string, data any)

// DenialText is the canned final message after a denied permission cycle.
const DenialText = "Understood, I won't proceed with that action."

var fencedCodeRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")

// PendingFinal is the stashed outcome of a turn held back behind a
// permission request.
type PendingFinal struct {
	Final  protocol.AssistantMessageData
	Result protocol.ConversationResultData
}

// Summary reports what a processed turn produced.
type Summary struct {
	// AgentSessionID is the CLI's own session id from system.init, when seen.
	AgentSessionID string

	// Finalized is set when assistantMessage{final} and conversationResult
	// were emitted.
	Finalized bool

	// AwaitingPermission is set when delivery was gated behind a
	// permissionRequest instead.
	AwaitingPermission bool

	// Snapshot is the stored system.init state, for session bookkeeping.
	Snapshot map[string]any
}

// Aggregator processes record sequences. Safe for concurrent use across
// sessions; per-session state lives on the stack of one ProcessRecords call,
// matching the one-turn-at-a-time rule per session.
type Aggregator struct {
	perm *permission.Coordinator
	log  *logger.Logger
}

// New creates an Aggregator.
func New(perm *permission.Coordinator, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.Default()
	}
	return &Aggregator{
		perm: perm,
		log:  log.WithFields(zap.String("component", "aggregator")),
	}
}

type turnState struct {
	texts            []string
	seenTexts        map[string]bool
	deliverables     []protocol.Deliverable
	messageCount     int
	permissionSent   bool
	permissionPrompt string
	sawResult        bool
	agentSessionID   string
	snapshot         map[string]any
	resultRecord     *agentcli.Record
}

// ProcessRecords walks one turn's records in order and emits canonical
// events. partial marks salvaged output; the turn is still finalized with
// whatever was recovered.
func (a *Aggregator) ProcessRecords(sessionID string, records []json.RawMessage, partial bool, emit Emitter) Summary {
	state := &turnState{seenTexts: make(map[string]bool)}
	log := a.log.WithSessionID(sessionID)

	for _, raw := range records {
		rec, err := agentcli.Decode(raw)
		if err != nil {
			log.Warn("skipping undecodable record", zap.Error(err))
			continue
		}
		a.processRecord(sessionID, rec, state, emit, log)
	}

	if partial {
		emit(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    "partial output recovered from malformed stream",
		})
	}

	summary := Summary{AgentSessionID: state.agentSessionID, Snapshot: state.snapshot}

	if state.permissionSent {
		// Finalization is gated; the request and its stashed payload are
		// registered in one step so a racing reply always finds the final
		// it releases.
		a.openPermission(sessionID, state, emit)
		summary.AwaitingPermission = true
		return summary
	}

	if state.sawResult {
		a.finalize(sessionID, state, emit, log)
		summary.Finalized = true
		return summary
	}

	// No result record survived (watchdog kill, crash). Deliver what we have
	// as a failed turn rather than dropping it.
	if len(state.texts) > 0 || len(state.deliverables) > 0 {
		pending := a.buildPending(sessionID, state)
		pending.Result.Success = false
		emit(protocol.TypeAssistantMessage, pending.Final)
		emit(protocol.TypeConversationResult, pending.Result)
		summary.Finalized = true
	}
	return summary
}

func (a *Aggregator) processRecord(sessionID string, rec *agentcli.Record, state *turnState, emit Emitter, log *logger.Logger) {
	switch rec.Type {
	case agentcli.RecordTypeSystem:
		if rec.IsInit() {
			state.agentSessionID = rec.SessionID
			state.snapshot = map[string]any{
				"session_id": rec.SessionID,
				"model":      rec.Model,
				"cwd":        rec.CWD,
			}
			log.Debug("captured system init snapshot",
				zap.String("agent_session_id", rec.SessionID))
		}

	case agentcli.RecordTypeAssistant:
		state.messageCount++
		for _, block := range rec.Message.ContentBlocks() {
			switch block.Type {
			case "text":
				a.processText(block.Text, state)
			case "tool_use":
				// Embedded tool use only marks progress; standalone records
				// carry the client-visible event.
			}
		}

	case agentcli.RecordTypeUser:
		// Tool-result echoes, never forwarded.

	case agentcli.RecordTypeToolUse:
		emit(protocol.TypeToolUse, protocol.ToolUseData{
			SessionID: sessionID,
			ToolID:    rec.ToolID,
			Name:      rec.ToolName,
			Input:     rec.ToolInput,
			Timestamp: time.Now().UnixMilli(),
		})

	case agentcli.RecordTypeToolResult:
		emit(protocol.TypeToolResult, protocol.ToolResultData{
			SessionID: sessionID,
			ToolUseID: rec.ToolUseID,
			Content:   string(rec.Content),
			IsError:   rec.IsError,
			Timestamp: time.Now().UnixMilli(),
		})

	case agentcli.RecordTypeResult:
		state.sawResult = true
		state.resultRecord = rec

		text := rec.ResultText()
		if !state.permissionSent && permission.IsPermissionRequest(text) {
			state.permissionSent = true
			state.permissionPrompt = permission.ExtractPrompt(text)
		}

	default:
		log.Debug("ignoring record of unknown type", zap.String("type", rec.Type))
	}
}

func (a *Aggregator) processText(text string, state *turnState) {
	if text == "" {
		return
	}

	if !state.permissionSent && permission.IsPermissionRequest(text) {
		state.permissionSent = true
		state.permissionPrompt = permission.ExtractPrompt(text)
		return
	}

	// Text after a permission question is held back until resolution.
	if state.permissionSent {
		return
	}

	for _, match := range fencedCodeRe.FindAllStringSubmatch(text, -1) {
		state.deliverables = append(state.deliverables, protocol.Deliverable{
			Language: match[1],
			Code:     match[2],
		})
	}

	if !state.seenTexts[text] {
		state.seenTexts[text] = true
		state.texts = append(state.texts, text)
	}
}

// openPermission registers the gated request together with the stashed final
// built from everything aggregated before the question, then emits the
// client-facing permissionRequest.
func (a *Aggregator) openPermission(sessionID string, state *turnState, emit Emitter) {
	req, coalesced := a.perm.Begin(sessionID, state.permissionPrompt, a.buildPending(sessionID, state))
	if coalesced {
		return
	}
	emit(protocol.TypePermissionRequest, protocol.PermissionRequestData{
		SessionID: sessionID,
		RequestID: req.RequestID,
		Prompt:    req.Prompt,
		Options:   []string{"y", "n"},
		Default:   "n",
	})
}

func (a *Aggregator) buildPending(sessionID string, state *turnState) *PendingFinal {
	final := protocol.AssistantMessageData{
		SessionID:    sessionID,
		Final:        true,
		Content:      []protocol.ContentBlock{{Type: "text", Text: strings.Join(state.texts, "\n\n")}},
		Deliverables: state.deliverables,
		MessageCount: state.messageCount,
	}

	result := protocol.ConversationResultData{SessionID: sessionID, Success: true}
	if rec := state.resultRecord; rec != nil {
		result.Success = !rec.IsError
		result.DurationMS = rec.DurationMS
		result.CostUSD = rec.CostUSD
		result.Usage = rec.Usage
	}
	return &PendingFinal{Final: final, Result: result}
}

// finalize emits the aggregated final message and the conversation result,
// in that order. The result text is never echoed into the conversationResult.
func (a *Aggregator) finalize(sessionID string, state *turnState, emit Emitter, log *logger.Logger) {
	// The result text joins the aggregation when the assistant records did
	// not already carry it.
	if rec := state.resultRecord; rec != nil {
		if text := rec.ResultText(); text != "" && !state.seenTexts[text] {
			state.seenTexts[text] = true
			state.texts = append(state.texts, text)
		}
	}

	pending := a.buildPending(sessionID, state)
	emit(protocol.TypeAssistantMessage, pending.Final)
	emit(protocol.TypeConversationResult, pending.Result)

	log.Debug("turn finalized",
		zap.Int("message_count", state.messageCount),
		zap.Int("deliverables", len(state.deliverables)),
		zap.Bool("success", pending.Result.Success))
}

// EmitPending releases a stashed final after an approved permission cycle.
func (a *Aggregator) EmitPending(pending *PendingFinal, emit Emitter) {
	if pending == nil {
		return
	}
	emit(protocol.TypeAssistantMessage, pending.Final)
	emit(protocol.TypeConversationResult, pending.Result)
}

// EmitDenial closes a denied permission cycle with the canned denial text
// and a failed conversationResult.
func (a *Aggregator) EmitDenial(sessionID string, emit Emitter) {
	emit(protocol.TypeAssistantMessage, protocol.AssistantMessageData{
		SessionID: sessionID,
		Final:     true,
		Content:   []protocol.ContentBlock{{Type: "text", Text: DenialText}},
	})
	emit(protocol.TypeConversationResult, protocol.ConversationResultData{
		SessionID: sessionID,
		Success:   false,
	})
}
