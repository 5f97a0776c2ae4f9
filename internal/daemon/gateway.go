package daemon

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"conductor/internal/events"
	"conductor/internal/fleet"
)

// gateway maintains the persistent WebSocket connections worker nodes hold
// open. Each connection carries register/heartbeat/result frames upstream
// and task assignments downstream; a dropped socket takes its nodes offline.
type gateway struct {
	app      *app
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*nodeConn // connectionId → connection
}

type nodeConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// wsFrame is the envelope for every gateway message, both directions.
type wsFrame struct {
	Type    string          `json:"type"`
	NodeID  string          `json:"nodeId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newGateway(a *app) *gateway {
	g := &gateway{
		app:      a,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*nodeConn),
	}
	// Task assignments fan out to the assigned node's connection.
	a.bus.Subscribe(fleet.EventTaskAssigned, g.forwardTask)
	return g
}

func (g *gateway) handleConnection(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	conn := &nodeConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	g.mu.Lock()
	g.conns[conn.id] = conn
	g.mu.Unlock()

	log.Info().Str("connectionId", conn.id).Msg("node connection opened")
	go conn.writeLoop()
	g.readLoop(conn)

	g.mu.Lock()
	delete(g.conns, conn.id)
	g.mu.Unlock()
	close(conn.done)
	_ = ws.Close()

	g.app.fleet.ConnectionClosed(conn.id)
	log.Info().Str("connectionId", conn.id).Msg("node connection closed")
	return nil
}

func (g *gateway) readLoop(conn *nodeConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("connectionId", conn.id).Msg("malformed gateway frame")
			continue
		}
		g.dispatch(conn, frame)
	}
}

func (g *gateway) dispatch(conn *nodeConn, frame wsFrame) {
	switch frame.Type {
	case "register":
		var info fleet.RegisterInfo
		if err := json.Unmarshal(frame.Payload, &info); err != nil {
			log.Warn().Err(err).Msg("invalid register payload")
			return
		}
		info.ConnectionID = conn.id
		if _, err := g.app.fleet.Register(info); err != nil {
			log.Warn().Err(err).Str("nodeId", info.ID).Msg("gateway register failed")
		}
	case "heartbeat":
		var payload fleet.HeartbeatPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				log.Warn().Err(err).Msg("invalid heartbeat payload")
				return
			}
		}
		if err := g.app.fleet.Heartbeat(frame.NodeID, payload, conn.id); err != nil {
			log.Warn().Err(err).Str("nodeId", frame.NodeID).Msg("gateway heartbeat failed")
		}
	case "task_result":
		var result fleet.TaskResult
		if err := json.Unmarshal(frame.Payload, &result); err != nil {
			log.Warn().Err(err).Msg("invalid task result payload")
			return
		}
		g.app.fleet.HandleTaskResult(frame.NodeID, result)
	default:
		log.Warn().Str("type", frame.Type).Msg("unknown gateway frame type")
	}
}

// forwardTask pushes a task assignment down the owning node's connection.
func (g *gateway) forwardTask(ev events.Event) {
	nodeID, _ := ev.Payload["nodeId"].(string)
	if nodeID == "" {
		return
	}
	node := g.app.fleet.GetNode(nodeID)
	if node == nil || node.ConnectionID == "" {
		return
	}

	g.mu.Lock()
	conn, ok := g.conns[node.ConnectionID]
	g.mu.Unlock()
	if !ok {
		return
	}

	frame, err := json.Marshal(map[string]any{"type": "task_assigned", "payload": ev.Payload})
	if err != nil {
		return
	}
	select {
	case conn.send <- frame:
	default:
		log.Warn().Str("nodeId", nodeID).Msg("node connection backlogged, dropping task frame")
	}
}

func (c *nodeConn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
