package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id json.RawMessage, code int, format string, args ...any) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

func resultResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// dispatch frames one JSON-RPC request into a session-manager call.
func (s *Server) dispatch(req rpcRequest) rpcResponse {
	switch req.Method {
	case "agent.create":
		return s.rpcAgentCreate(req)
	case "agent.status":
		return resultResponse(req.ID, s.manager.Statuses())
	case "agent.sleep":
		return s.rpcAgentSleep(req)
	case "agent.wake":
		return s.rpcAgentLifecycle(req, s.manager.Wake)
	case "agent.stop":
		return s.rpcAgentLifecycle(req, s.manager.StopAgent)
	case "task.send":
		return s.rpcTaskSend(req)
	case "mail.send":
		return s.rpcMailSend(req)
	case "mail.check":
		return s.rpcMailCheck(req)
	case "models.active":
		return resultResponse(req.ID, s.manager.ActiveModels())
	default:
		return errorResponse(req.ID, codeMethodNotFound, "unknown method: %s", req.Method)
	}
}

func (s *Server) rpcAgentCreate(req rpcRequest) rpcResponse {
	var params struct {
		AgentID string              `json:"agent_id"`
		Config  *ailoop.AgentConfig `json:"config,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return errorResponse(req.ID, codeInvalidParams, "agent_id is required")
	}
	session, err := s.manager.CreateAgent(params.AgentID, params.Config)
	if err != nil {
		return errorResponse(req.ID, codeServerError, "%v", err)
	}
	return resultResponse(req.ID, session.Snapshot())
}

func (s *Server) rpcAgentSleep(req rpcRequest) rpcResponse {
	var params struct {
		AgentID         string   `json:"agent_id"`
		DurationSeconds int      `json:"duration_seconds,omitempty"`
		WakeEvents      []string `json:"wake_events,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return errorResponse(req.ID, codeInvalidParams, "agent_id is required")
	}
	duration := time.Duration(params.DurationSeconds) * time.Second
	if err := s.manager.Sleep(params.AgentID, duration, params.WakeEvents); err != nil {
		return errorResponse(req.ID, codeServerError, "%v", err)
	}
	return resultResponse(req.ID, map[string]any{"sleeping": true})
}

func (s *Server) rpcAgentLifecycle(req rpcRequest, op func(string) error) rpcResponse {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return errorResponse(req.ID, codeInvalidParams, "agent_id is required")
	}
	if err := op(params.AgentID); err != nil {
		return errorResponse(req.ID, codeServerError, "%v", err)
	}
	return resultResponse(req.ID, map[string]any{"ok": true})
}

func (s *Server) rpcTaskSend(req rpcRequest) rpcResponse {
	var params struct {
		AgentID string `json:"agent_id"`
		Prompt  string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" || params.Prompt == "" {
		return errorResponse(req.ID, codeInvalidParams, "agent_id and prompt are required")
	}
	taskID, err := s.manager.SendTask(params.AgentID, params.Prompt, orchestrator.TaskContext{})
	if err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			return errorResponse(req.ID, codeServerError, "task queue full for agent %s", params.AgentID)
		}
		return errorResponse(req.ID, codeServerError, "%v", err)
	}
	return resultResponse(req.ID, map[string]any{"task_id": taskID})
}

func (s *Server) rpcMailSend(req rpcRequest) rpcResponse {
	var params struct {
		ToAgent  string `json:"to_agent"`
		Subject  string `json:"subject"`
		Body     string `json:"body"`
		Priority string `json:"priority,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid mail parameters")
	}
	messageID := s.mailbox.Send(mailbox.Mail{
		ToAgent:  params.ToAgent,
		Subject:  params.Subject,
		Body:     params.Body,
		Priority: mailbox.Priority(params.Priority),
	})
	return resultResponse(req.ID, map[string]any{"message_id": messageID})
}

func (s *Server) rpcMailCheck(req rpcRequest) rpcResponse {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid parameters")
		}
	}
	return resultResponse(req.ID, s.mailbox.Check(params.AgentID))
}
