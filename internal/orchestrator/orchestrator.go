// Package orchestrator ties the gateway together: it dispatches inbound
// client messages, drives the per-turn agent pipeline, and routes the
// resulting events through the delivery queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/agent/args"
	"github.com/agentgate/agentgate/internal/agent/supervisor"
	"github.com/agentgate/agentgate/internal/aggregator"
	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/gateway/websocket"
	"github.com/agentgate/agentgate/internal/history"
	"github.com/agentgate/agentgate/internal/permission"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tracing"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Service is the orchestration layer. It implements websocket.Dispatcher.
type Service struct {
	cfg      *config.Config
	sessions *session.Manager
	queue    *queue.DeliveryQueue
	perm     *permission.Coordinator
	agg      *aggregator.Aggregator
	sup      *supervisor.Supervisor
	history  *history.Store
	bus      bus.EventBus
	log      *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	gates   map[string]*sync.Mutex
	cliPath string
}

// New creates the orchestration service. history may be nil when persistence
// is disabled.
func New(
	cfg *config.Config,
	sessions *session.Manager,
	deliveryQueue *queue.DeliveryQueue,
	perm *permission.Coordinator,
	agg *aggregator.Aggregator,
	sup *supervisor.Supervisor,
	hist *history.Store,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		queue:    deliveryQueue,
		perm:     perm,
		agg:      agg,
		sup:      sup,
		history:  hist,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "orchestrator")),
		tracer:   tracing.Tracer("orchestrator"),
		gates:    make(map[string]*sync.Mutex),
	}
}

// Dispatch routes one domain message from a client. Handler panics are caught
// here and reported as HANDLER_ERROR so a bad message never takes down the
// gateway.
func (s *Service) Dispatch(ctx context.Context, client *websocket.Client, msg *protocol.Message) {
	ctx, span := s.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("message.type", msg.Type)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				zap.String("type", msg.Type),
				zap.Any("panic", r))
			s.sendError(client, msg.RequestID, apperrors.HandlerError(msg.Type, fmt.Errorf("%v", r)))
		}
	}()

	var err error
	switch msg.Type {
	case protocol.TypeAsk:
		err = s.handleAsk(ctx, client, msg)
	case protocol.TypeStreamStart:
		err = s.handleStreamStart(ctx, client, msg)
	case protocol.TypeStreamSend:
		err = s.handleStreamSend(ctx, client, msg)
	case protocol.TypeStreamClose:
		err = s.handleStreamClose(ctx, client, msg)
	case protocol.TypePermission:
		err = s.handlePermission(ctx, client, msg)
	case protocol.TypeGetMessageHistory:
		err = s.handleHistory(ctx, client, msg)
	case protocol.TypeSetWorkingDirectory:
		err = s.handleSetWorkingDirectory(ctx, client, msg)
	case protocol.TypeAgentCommand:
		err = s.handleAgentCommand(ctx, client, msg)
	case protocol.TypeClearChat:
		err = s.handleClearChat(ctx, client, msg)
	default:
		err = apperrors.InvalidRequest(fmt.Sprintf("unknown message type %q", msg.Type))
	}

	if err != nil {
		s.log.Warn("handler failed",
			zap.String("type", msg.Type),
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
		s.sendError(client, msg.RequestID, err)
	}
}

func (s *Service) handleStreamStart(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.StreamStartRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid streamStart payload")
	}
	if req.WorkingDirectory == "" {
		return apperrors.InvalidRequest("workingDirectory is required")
	}

	workdir := req.WorkingDirectory
	if workdir != session.WorkspaceDirectory {
		validated, err := ValidateWorkingDirectory(s.cfg.Agent.WorkspaceRoot, workdir)
		if err != nil {
			return err
		}
		workdir = validated
	}

	sess, reused, err := s.sessions.CreateSession(req.SessionID, workdir, req.Options)
	if err != nil {
		return err
	}
	client.AssociateSession(sess.ID)

	s.reply(client, protocol.TypeStreamStarted, msg.RequestID, protocol.StreamStarted{
		SessionID: sess.ID,
		Reused:    reused,
	})

	s.publishLifecycle(ctx, "sessionStarted", sess.ID, map[string]any{"reused": reused})

	if req.InitialPrompt != "" {
		s.runTurn(ctx, sess.ID, req.InitialPrompt)
	}
	return nil
}

func (s *Service) handleStreamSend(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.StreamSendRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid streamSend payload")
	}
	if req.SessionID == "" || req.Prompt == "" {
		return apperrors.InvalidRequest("sessionId and prompt are required")
	}

	sessionID := s.sessions.ResolveSessionID(req.SessionID)
	if !s.sessions.HasActiveSession(sessionID) {
		return apperrors.SessionNotFound(req.SessionID)
	}
	client.AssociateSession(sessionID)

	s.reply(client, protocol.TypeStreamSent, msg.RequestID, protocol.StreamSent{
		SessionID: sessionID,
		Success:   true,
	})

	// A prompt arriving while a permission request is outstanding is the
	// client's answer to it.
	if s.perm.Awaiting(sessionID) {
		s.resolvePermission(ctx, sessionID, req.Prompt)
		return nil
	}

	s.runTurn(ctx, sessionID, req.Prompt)
	return nil
}

func (s *Service) handleStreamClose(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.StreamCloseRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid streamClose payload")
	}
	if req.SessionID == "" {
		return apperrors.InvalidRequest("sessionId is required")
	}

	sessionID := s.sessions.ResolveSessionID(req.SessionID)

	if req.ClearChat {
		s.perm.Clear(sessionID)
		s.queue.Clear(sessionID)
		if s.history != nil {
			if err := s.history.Clear(context.WithoutCancel(ctx), sessionID); err != nil {
				s.log.Warn("history clear failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		s.sessions.KillSession(sessionID, "client close")
	}
	// Without clearChat the session keeps running in the background; only the
	// client's interest ends.

	s.reply(client, protocol.TypeStreamClosed, msg.RequestID, map[string]any{
		"sessionId": sessionID,
		"cleared":   req.ClearChat,
	})
	return nil
}

func (s *Service) handlePermission(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.PermissionResponse
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid permission payload")
	}
	if req.SessionID == "" || req.Response == "" {
		return apperrors.InvalidRequest("sessionId and response are required")
	}

	sessionID := s.sessions.ResolveSessionID(req.SessionID)
	res, permReq, ok := s.perm.Resolve(sessionID, req.Response)
	if !ok {
		return apperrors.SessionError("no permission request pending")
	}

	// Ack before acting: a new-turn resolution runs a whole agent invocation
	// and the client should not wait on it for the receipt.
	s.reply(client, protocol.TypePermissionHandled, msg.RequestID, protocol.PermissionHandled{
		SessionID: sessionID,
		Accepted:  res == permission.ResolutionApproved,
	})
	s.applyResolution(ctx, sessionID, res, permReq, req.Response)
	return nil
}

func (s *Service) handleHistory(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.HistoryRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid getMessageHistory payload")
	}
	if req.SessionID == "" {
		return apperrors.InvalidRequest("sessionId is required")
	}

	sessionID := s.sessions.ResolveSessionID(req.SessionID)

	messages := []*protocol.Message{}
	if s.history != nil {
		var err error
		messages, err = s.history.List(ctx, sessionID, req.Limit, req.Offset)
		if err != nil {
			return apperrors.InternalError("failed to load message history", err)
		}
	}

	s.reply(client, protocol.TypeMessageHistory, msg.RequestID, map[string]any{
		"sessionId": sessionID,
		"messages":  messages,
	})
	return nil
}

func (s *Service) handleSetWorkingDirectory(_ context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.SetWorkingDirectoryRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid setWorkingDirectory payload")
	}

	validated, err := ValidateWorkingDirectory(s.cfg.Agent.WorkspaceRoot, req.WorkingDirectory)
	if err != nil {
		return err
	}

	s.reply(client, protocol.TypeWorkingDirectorySet, msg.RequestID, map[string]any{
		"workingDirectory": validated,
		"success":          true,
	})
	return nil
}

func (s *Service) handleClearChat(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.ClearChatRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid clearChat payload")
	}
	if req.SessionID == "" {
		return apperrors.InvalidRequest("sessionId is required")
	}

	sessionID := s.sessions.ResolveSessionID(req.SessionID)
	s.perm.Clear(sessionID)
	s.queue.Clear(sessionID)
	if s.history != nil {
		if err := s.history.Clear(context.WithoutCancel(ctx), sessionID); err != nil {
			s.log.Warn("history clear failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	s.reply(client, protocol.TypeChatCleared, msg.RequestID, map[string]any{
		"sessionId": sessionID,
		"success":   true,
	})
	return nil
}

// gate returns the per-session turn mutex. A session runs one turn at a time;
// later prompts queue behind it.
func (s *Service) gate(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[sessionID]
	if !ok {
		g = &sync.Mutex{}
		s.gates[sessionID] = g
	}
	return g
}

func (s *Service) findCLI() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cliPath != "" {
		return s.cliPath, nil
	}
	path, err := supervisor.FindCLI(&s.cfg.Agent)
	if err == nil {
		s.cliPath = path
	}
	return path, err
}

// emitter wraps events in the wire envelope and routes them through the
// delivery queue, persisting them when history is enabled.
func (s *Service) emitter(ctx context.Context, sessionID string) aggregator.Emitter {
	ctx = context.WithoutCancel(ctx)
	return func(eventType string, data any) {
		msg, err := protocol.NewEvent(eventType, data)
		if err != nil {
			s.log.Error("failed to encode event",
				zap.String("type", eventType),
				zap.Error(err))
			return
		}
		s.queue.Enqueue(sessionID, msg)
		if s.history != nil {
			if err := s.history.Append(ctx, sessionID, msg); err != nil {
				s.log.Warn("history append failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		}
	}
}

func (s *Service) publishLifecycle(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.SubjectSessionLifecycle, bus.NewEvent(eventType, sessionID, data)); err != nil {
		s.log.Debug("lifecycle publish failed", zap.Error(err))
	}
}

func (s *Service) reply(client *websocket.Client, msgType, requestID string, data any) {
	msg, err := protocol.NewMessage(msgType, requestID, data)
	if err != nil {
		s.log.Error("failed to encode reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := client.SendMessage(msg); err != nil {
		s.log.Warn("reply delivery failed",
			zap.String("type", msgType),
			zap.String("client_id", client.ClientID()),
			zap.Error(err))
	}
}

func (s *Service) sendError(client *websocket.Client, requestID string, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.InternalError("internal error", err)
	}
	if sendErr := client.SendMessage(protocol.NewError(requestID, appErr.Code, appErr.Message, appErr.Details)); sendErr != nil {
		s.log.Warn("error delivery failed", zap.Error(sendErr))
	}
}

// profileFromOptions maps loosely typed session options onto a permission
// profile via a JSON round trip.
func profileFromOptions(opts map[string]any) args.PermissionProfile {
	var profile args.PermissionProfile
	if len(opts) == 0 {
		return profile
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return profile
	}
	_ = json.Unmarshal(raw, &profile)
	return profile
}
