package orchestrator

import (
	"context"
	"strings"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/gateway/websocket"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// handleAgentCommand runs a meta-command. status and test are answered
// locally; anything else becomes an agent prompt on the session.
func (s *Service) handleAgentCommand(ctx context.Context, client *websocket.Client, msg *protocol.Message) error {
	var req protocol.AgentCommandRequest
	if err := msg.ParseData(&req); err != nil {
		return apperrors.InvalidRequest("invalid claudeCommand payload")
	}
	if req.Command == "" {
		return apperrors.InvalidRequest("command is required")
	}

	switch strings.ToLower(req.Command) {
	case "status":
		s.reply(client, protocol.TypeCommandResult, msg.RequestID, map[string]any{
			"success": true,
			"command": "status",
			"output": map[string]any{
				"sessions":      s.sessions.Count(),
				"serverVersion": websocket.ServerVersion,
			},
		})
		return nil

	case "test":
		binPath, err := s.findCLI()
		if err != nil {
			s.reply(client, protocol.TypeCommandResult, msg.RequestID, map[string]any{
				"success": false,
				"command": "test",
				"error":   "agent CLI not found",
			})
			return nil
		}
		s.reply(client, protocol.TypeCommandResult, msg.RequestID, map[string]any{
			"success": true,
			"command": "test",
			"output":  map[string]any{"cliPath": binPath},
		})
		return nil
	}

	if req.SessionID == "" {
		return apperrors.InvalidRequest("sessionId is required for agent commands")
	}
	sessionID := s.sessions.ResolveSessionID(req.SessionID)
	if !s.sessions.HasActiveSession(sessionID) {
		return apperrors.SessionNotFound(req.SessionID)
	}

	if req.ProjectPath != "" {
		if _, err := ValidateWorkingDirectory(s.cfg.Agent.WorkspaceRoot, req.ProjectPath); err != nil {
			return err
		}
	}

	prompt := req.Command
	if len(req.Args) > 0 {
		prompt += " " + strings.Join(req.Args, " ")
	}

	s.reply(client, protocol.TypeCommandResult, msg.RequestID, map[string]any{
		"success":   true,
		"command":   req.Command,
		"sessionId": sessionID,
	})

	s.runTurn(ctx, sessionID, prompt)
	return nil
}
