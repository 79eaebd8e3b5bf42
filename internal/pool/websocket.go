package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
	"github.com/koatty/serve/internal/monitor"
)

// poolCleanupText is the close reason sent for orderly pool-driven closes.
const poolCleanupText = "Connection pool cleanup"

// wsStrategy manages accepted websocket upgrades. Liveness is probed by two
// scheduler tasks: ping marks every connection suspect, a pong restores it
// (pool.MarkAlive, wired by the adapter's pong handler), and the heartbeat
// sweep evicts connections that stayed suspect across consecutive pings.
type wsStrategy struct{}

// NewWebSocketPool builds a pool for ws or wss connections.
func NewWebSocketPool(name string, protocol config.Protocol, cfg config.PoolConfig, log *logging.Logger) (*Pool, error) {
	return New(name, protocol, &wsStrategy{}, cfg, log)
}

func (s *wsStrategy) Validate(conn Conn, meta *Meta) error {
	ws, ok := conn.(*websocket.Conn)
	if !ok || ws == nil {
		return fmt.Errorf("pool: handle %T is not a websocket connection", conn)
	}
	if meta.RemoteAddr == "" && ws.RemoteAddr() != nil {
		meta.RemoteAddr = ws.RemoteAddr().String()
	}
	if meta.WS == nil {
		meta.WS = &WSMeta{}
	}
	meta.WS.IsAlive = true
	return nil
}

func (s *wsStrategy) Healthy(conn Conn, meta Meta, _ config.PoolConfig) bool {
	if _, ok := conn.(*websocket.Conn); !ok {
		return false
	}
	return meta.WS != nil && meta.WS.IsAlive
}

// CloseGraceful announces a normal closure and closes. The close frame is a
// courtesy; an unreachable peer just gets the hard close.
func (s *wsStrategy) CloseGraceful(ctx context.Context, _ *Pool, conn Conn, _ Meta) error {
	ws, ok := conn.(*websocket.Conn)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(tlsHalfCloseWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, poolCleanupText)
	_ = ws.WriteControl(websocket.CloseMessage, frame, deadline)
	return ws.Close()
}

// Cleanup sends the protocol-appropriate close frame and tears the socket
// down. Writing after a close was already sent fails silently.
func (s *wsStrategy) Cleanup(conn Conn, _ Meta, reason string) {
	ws, ok := conn.(*websocket.Conn)
	if !ok {
		return
	}
	code, text := websocket.CloseNormalClosure, poolCleanupText
	if reason == "internal_error" {
		code, text = websocket.CloseInternalServerErr, ""
	}
	frame := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	_ = ws.Close()
}

// IdleTimeout is zero: websocket liveness is judged by the ping/heartbeat
// pair, not by the generic idle timer.
func (s *wsStrategy) IdleTimeout(config.PoolConfig) time.Duration { return 0 }

// Tasks returns the ping prober and the heartbeat sweeper. Ping runs at the
// lower priority number so a cycle where both are due probes before it
// sweeps.
func (s *wsStrategy) Tasks(p *Pool) []monitor.Task {
	cfg := p.Config().WebSocket
	pingEvery := orDefault(cfg.PingInterval.Std(), 30*time.Second)
	sweepEvery := orDefault(cfg.HeartbeatInterval.Std(), 60*time.Second)
	controlWait := orDefault(cfg.PongTimeout.Std(), 5*time.Second)

	ping := monitor.NewTask(p.Name()+":ping", pingEvery, func(context.Context) error {
		for _, conn := range p.Conns() {
			ws, ok := conn.(*websocket.Conn)
			if !ok {
				continue
			}
			p.notePing(conn)
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
				p.ReportError(conn, err)
				p.Remove(conn, "ping_failed")
			}
		}
		return nil
	})
	ping.Priority = 3
	ping.Description = "probes websocket liveness and marks unanswered connections"

	sweep := monitor.NewTask(p.Name()+":heartbeat", sweepEvery, func(context.Context) error {
		for _, conn := range p.Conns() {
			meta, ok := p.MetaOf(conn)
			if !ok || meta.WS == nil {
				continue
			}
			if !meta.WS.IsAlive && meta.WS.MissedPings >= 2 {
				p.Remove(conn, "dead_connection")
			}
		}
		return nil
	})
	sweep.Priority = 4
	sweep.Description = "evicts websocket connections that missed consecutive pings"

	return []monitor.Task{ping, sweep}
}

// notePing marks a connection suspect until its pong arrives.
func (p *Pool) notePing(conn Conn) {
	p.withEntry(conn, func(e *entry) {
		if e.meta.WS != nil {
			e.meta.WS.IsAlive = false
			e.meta.WS.MissedPings++
		}
	})
}
