package daemon

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"conductor/internal/fleet"
	"conductor/internal/llm"
	"conductor/internal/orchestrator"
)

func (a *app) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"nodes":    len(a.fleet.ListNodes()),
		"sessions": a.sessions.SessionCount(),
		"pending":  a.fleet.PendingTasks(),
	})
}

func (a *app) handleRegisterNode(c echo.Context) error {
	var info fleet.RegisterInfo
	if err := c.Bind(&info); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	node, err := a.fleet.Register(info)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, node)
}

func (a *app) handleListNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, a.fleet.ListNodes())
}

func (a *app) handleUnregisterNode(c echo.Context) error {
	if err := a.fleet.Unregister(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *app) handleHeartbeat(c echo.Context) error {
	var payload fleet.HeartbeatPayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := a.fleet.Heartbeat(c.Param("id"), payload, ""); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *app) handleTaskResult(c echo.Context) error {
	var result fleet.TaskResult
	if err := c.Bind(&result); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	a.fleet.HandleTaskResult(c.Param("id"), result)
	return c.NoContent(http.StatusAccepted)
}

func (a *app) handleAssignTask(c echo.Context) error {
	var task fleet.Task
	if err := c.Bind(&task); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	result, err := a.fleet.AssignTask(c.Request().Context(), task)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	orchestrator.ChatOptions
}

func (a *app) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "messages required"})
	}

	if !req.Stream {
		resp, err := a.orch.Chat(c.Request().Context(), req.Messages, req.ChatOptions)
		if err != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, resp)
	}

	// SSE streaming: one data frame per delta, a rejection frame when the
	// request was blocked by the ethics review, then the end marker.
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "streaming unsupported")
	}

	write := func(data string) {
		for _, ln := range strings.Split(data, "\n") {
			fmt.Fprintf(c.Response(), "data: %s\n", ln)
		}
		fmt.Fprint(c.Response(), "\n")
		flusher.Flush()
	}

	resp, err := a.orch.ChatStream(c.Request().Context(), req.Messages, req.ChatOptions,
		llm.StreamHandlerFunc(func(delta string) { write(delta) }))
	if err != nil {
		write("[[ERROR]] " + err.Error())
		return nil
	}
	if resp.BlockedByEthics {
		write("[[REJECTED]] " + resp.Content)
	}
	write("[[EOF]]")
	return nil
}

type llmProxyRequest struct {
	RequestID string          `json:"requestId"`
	NodeID    string          `json:"nodeId"`
	Messages  []llm.Message   `json:"messages"`
	Model     string          `json:"model,omitempty"`
	Options   llm.ChatOptions `json:"options"`
}

func (a *app) handleLLMProxy(c echo.Context) error {
	var req llmProxyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	res := a.fleet.HandleLLMRequest(c.Request().Context(), fleet.LLMRequest{
		RequestID: req.RequestID,
		NodeID:    req.NodeID,
		Messages:  req.Messages,
		Model:     req.Model,
		Options:   req.Options,
	})
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	return c.JSON(status, res)
}

func (a *app) handleCancelRequest(c echo.Context) error {
	if a.fleet.CancelRequest(c.Param("id")) {
		return c.NoContent(http.StatusAccepted)
	}
	return c.NoContent(http.StatusNotFound)
}

func (a *app) handleArchive(c echo.Context) error {
	if err := a.sessions.Archive(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *app) handleListCheckpoints(c echo.Context) error {
	cps, err := a.hist.ListCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, cps)
}

type rollbackRequest struct {
	CheckpointID string `json:"checkpointId"`
}

func (a *app) handleRollback(c echo.Context) error {
	var req rollbackRequest
	if err := c.Bind(&req); err != nil || req.CheckpointID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "checkpointId required"})
	}
	conversationID := c.Param("id")
	res, err := a.contexts.RollbackToCheckpoint(c.Request().Context(), conversationID, conversationID, req.CheckpointID)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}
