package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/agent/args"
	"github.com/agentgate/agentgate/internal/agent/streamparser"
	"github.com/agentgate/agentgate/internal/agent/supervisor"
	"github.com/agentgate/agentgate/internal/aggregator"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/gateway/websocket"
	"github.com/agentgate/agentgate/internal/permission"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/pkg/agentcli"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// runTurn drives one conversational turn end to end: spawn the CLI, parse its
// output, aggregate, and deliver. Turns for the same session serialize on the
// session gate.
func (s *Service) runTurn(ctx context.Context, sessionID, prompt string) {
	gate := s.gate(sessionID)
	gate.Lock()
	defer gate.Unlock()

	sess, ok := s.sessions.GetSession(sessionID)
	if !ok {
		s.log.Warn("turn for vanished session", zap.String("session_id", sessionID))
		return
	}

	log := s.log.WithSessionID(sessionID)
	emit := s.emitter(ctx, sessionID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.sessions.SetCancel(sessionID, cancel)
	s.sessions.SetProcessing(sessionID, true)
	defer s.sessions.SetProcessing(sessionID, false)

	result, err := s.invokeAgent(ctx, invocation{
		sessionID:     sessionID,
		prompt:        prompt,
		workingDir:    sess.WorkingDirectory,
		options:       sess.Options,
		resumeID:      sess.AgentSessionID,
		resume:        sess.ConversationStarted && sess.AgentSessionID != "",
		emitToSession: true,
	}, emit)

	if result != nil && result.Cancelled {
		emit(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    "turn cancelled",
			Code:      apperrors.ErrCodeAgent,
		})
		return
	}
	if err != nil {
		reason := turnFailureMessage(err, result)
		if result != nil && result.TimedOut {
			reason = "silence_timeout"
		}
		emit(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    reason,
			Code:      apperrors.Code(err),
		})
		return
	}
	if result.TimedOut {
		// Killed after output started; report the timeout and salvage what
		// made it to stdout.
		emit(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    "silence_timeout",
			Code:      apperrors.ErrCodeAgent,
		})
	}

	parsed, perr := streamparser.Parse(result.Stdout, log)
	if perr != nil {
		if result.TimedOut {
			// The timeout streamError above already closed the turn.
			return
		}
		emit(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    "agent output could not be parsed",
			Code:      apperrors.Code(perr),
		})
		return
	}

	summary := s.agg.ProcessRecords(sessionID, parsed.Records, parsed.Partial, emit)

	if summary.AgentSessionID != "" {
		s.sessions.SetAgentSessionID(sessionID, summary.AgentSessionID)
		emit(protocol.TypeSystemInit, protocol.SystemInitData{
			SessionID:      sessionID,
			AgentSessionID: summary.AgentSessionID,
			Snapshot:       summary.Snapshot,
		})
	}

	s.sessions.MarkConversationStarted(sessionID)
	s.sessions.UpdateActivity(sessionID)

	s.publishLifecycle(ctx, "turnCompleted", sessionID, map[string]any{
		"finalized":           summary.Finalized,
		"awaiting_permission": summary.AwaitingPermission,
		"duration_ms":         result.Duration.Milliseconds(),
	})
}

// invocation describes one CLI run for invokeAgent.
type invocation struct {
	sessionID     string
	prompt        string
	workingDir    string
	options       map[string]any
	resumeID      string
	resume        bool
	oneShot       bool
	emitToSession bool
}

// invokeAgent locates the CLI, builds argv, and runs the process. Health and
// progress events flow to the session when emitToSession is set.
func (s *Service) invokeAgent(ctx context.Context, inv invocation, emit aggregator.Emitter) (*supervisor.Result, error) {
	binPath, err := s.findCLI()
	if err != nil {
		return nil, apperrors.AgentError("agent CLI not found", err)
	}

	profile := profileFromOptions(inv.options)
	var extra []string
	if inv.resume {
		extra = append(extra, args.FlagResume, inv.resumeID)
	}
	argv, err := args.Build(profile, extra...)
	if err != nil {
		return nil, err
	}

	var procEmit func(supervisor.Event)
	if inv.emitToSession {
		procEmit = s.processEmitter(ctx, inv.sessionID, emit)
	}

	return s.sup.Run(ctx, supervisor.Spec{
		BinPath:    binPath,
		Argv:       argv,
		WorkingDir: inv.workingDir,
		Prompt:     inv.prompt,
		OneShot:    inv.oneShot,
	}, procEmit)
}

// processEmitter maps supervisor lifecycle events onto client events and the
// internal bus.
func (s *Service) processEmitter(ctx context.Context, sessionID string, emit aggregator.Emitter) func(supervisor.Event) {
	ctx = context.WithoutCancel(ctx)
	return func(ev supervisor.Event) {
		switch ev.Type {
		case supervisor.EventHealth:
			h := ev.Health
			emit(protocol.TypeProcessHealth, protocol.ProcessHealthData{
				SessionID:   sessionID,
				PID:         h.PID,
				UptimeMS:    h.Uptime.Milliseconds(),
				StdoutBytes: h.StdoutBytes,
				StderrBytes: h.StderrBytes,
				SilenceMS:   h.Silence.Milliseconds(),
				Streaming:   h.Streaming,
				BudgetMS:    h.Budget.Milliseconds(),
			})
			if s.bus != nil {
				_ = s.bus.Publish(ctx, bus.SubjectProcessHealth, bus.NewEvent("processHealth", sessionID, map[string]any{
					"pid":          h.PID,
					"uptime_ms":    h.Uptime.Milliseconds(),
					"stdout_bytes": h.StdoutBytes,
					"streaming":    h.Streaming,
				}))
			}

		case supervisor.EventLongRunning:
			emit(protocol.TypeStreamChunk, protocol.StreamChunkData{
				SessionID: sessionID,
				Subtype:   "long_running_started",
				Status:    "running",
			})

		case supervisor.EventProgress:
			emit(protocol.TypeStreamChunk, protocol.StreamChunkData{
				SessionID: sessionID,
				Status:    "running",
				ElapsedMS: ev.Elapsed.Milliseconds(),
			})

		case supervisor.EventStarted:
			s.publishLifecycle(ctx, "processStarted", sessionID, map[string]any{"pid": ev.PID})

		case supervisor.EventExit:
			s.publishLifecycle(ctx, "processExit", sessionID, map[string]any{"exit_code": ev.ExitCode})
		}
	}
}

// resolvePermission settles an outstanding permission request with a client
// reply. Returns whether the reply was an approval.
func (s *Service) resolvePermission(ctx context.Context, sessionID, response string) bool {
	res, req, ok := s.perm.Resolve(sessionID, response)
	if !ok {
		return false
	}
	s.applyResolution(ctx, sessionID, res, req, response)
	return res == permission.ResolutionApproved
}

// applyResolution carries out a settled permission decision.
func (s *Service) applyResolution(ctx context.Context, sessionID string, res permission.Resolution, req *permission.Request, response string) {
	emit := s.emitter(ctx, sessionID)
	s.sessions.UpdateActivity(sessionID)

	switch res {
	case permission.ResolutionApproved:
		pending, _ := req.Pending.(*aggregator.PendingFinal)
		s.agg.EmitPending(pending, emit)

	case permission.ResolutionDenied:
		s.agg.EmitDenial(sessionID, emit)

	default:
		// Neither yes nor no: the stashed payload is dropped and the reply
		// becomes a fresh prompt.
		s.runTurn(ctx, sessionID, response)
	}
}

// handleAsk runs a one-shot prompt outside any session and replies directly.
func (s *Service) handleAsk(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.AskRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid ask payload")
	}
	if req.Prompt == "" {
		return apperrors.InvalidRequest("prompt is required")
	}

	workdir := s.cfg.Agent.WorkspaceRoot
	if req.WorkingDirectory != "" && req.WorkingDirectory != session.WorkspaceDirectory {
		validated, err := ValidateWorkingDirectory(s.cfg.Agent.WorkspaceRoot, req.WorkingDirectory)
		if err != nil {
			return err
		}
		workdir = validated
	}

	result, err := s.invokeAgent(ctx, invocation{
		prompt:     req.Prompt,
		workingDir: workdir,
		options:    req.Options,
		oneShot:    true,
	}, nil)
	if err != nil {
		s.reply(client, protocol.TypeAskResponse, msg.RequestID, protocol.AskResponse{
			Success: false,
			Error:   turnFailureMessage(err, result),
		})
		return nil
	}

	parsed, perr := streamparser.Parse(result.Stdout, s.log)
	if perr != nil {
		s.reply(client, protocol.TypeAskResponse, msg.RequestID, protocol.AskResponse{
			Success: false,
			Error:   "agent output could not be parsed",
		})
		return nil
	}

	s.reply(client, protocol.TypeAskResponse, msg.RequestID, askResponseFrom(parsed))
	return nil
}

// askResponseFrom reduces a one-shot record sequence to an askResponse
// payload. The result record wins; assistant text is the fallback.
func askResponseFrom(parsed *streamparser.Result) protocol.AskResponse {
	var texts []string
	for _, raw := range parsed.Records {
		rec, err := agentcli.Decode(raw)
		if err != nil {
			continue
		}
		switch rec.Type {
		case agentcli.RecordTypeResult:
			response := map[string]any{"result": rec.ResultText()}
			if rec.DurationMS > 0 {
				response["duration_ms"] = rec.DurationMS
			}
			if rec.CostUSD > 0 {
				response["cost_usd"] = rec.CostUSD
			}
			return protocol.AskResponse{Success: !rec.IsError, Response: response}
		case agentcli.RecordTypeAssistant:
			for _, block := range rec.Message.ContentBlocks() {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		}
	}
	if len(texts) > 0 {
		return protocol.AskResponse{
			Success:  true,
			Response: map[string]any{"result": strings.Join(texts, "\n\n")},
		}
	}
	return protocol.AskResponse{Success: false, Error: "agent produced no result"}
}

// turnFailureMessage renders a process failure for clients, with friendlier
// guidance for timeouts.
func turnFailureMessage(err error, result *supervisor.Result) string {
	if result != nil && result.TimedOut {
		return "the agent timed out; try breaking the request into smaller parts"
	}
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return "agent invocation failed"
}
