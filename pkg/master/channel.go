// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package master

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velaire/cellnode/pkg/cellwire"
)

// ackLine is written back after every successfully handled message.
const ackLine = "ACK\n"

// writeTimeout bounds peer writes so a stalled master cannot wedge
// telemetry pushes or shutdown.
const writeTimeout = 5 * time.Second

// Handler receives every decoded inbound message. Handler errors are
// logged and counted by the caller; they never tear down the channel.
type Handler func(Message) error

// Channel is the single-peer TCP control channel. The listener accepts
// connections for the whole process lifetime; each new peer displaces the
// previous one, since the device has exactly one master.
type Channel struct {
	addr    string
	logger  *zap.Logger
	handler Handler

	mu       sync.Mutex
	ln       net.Listener
	peer     net.Conn
	running  bool
	acceptWG sync.WaitGroup
}

// NewChannel builds a channel listening on 0.0.0.0:port.
func NewChannel(port int, logger *zap.Logger) *Channel {
	return &Channel{addr: fmt.Sprintf("0.0.0.0:%d", port), logger: logger}
}

// SetHandler registers the message handler. Must be called before Start.
func (c *Channel) SetHandler(h Handler) { c.handler = h }

// Start binds the listener and begins accepting in the background.
func (c *Channel) Start() error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("master: listen on %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.ln = ln
	c.running = true
	c.mu.Unlock()

	c.acceptWG.Add(1)
	go c.acceptLoop(ln)

	c.logger.Info("control channel listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// acceptLoop accepts peers until the listener closes. A new connection
// forcibly replaces the previous peer.
func (c *Channel) acceptLoop(ln net.Listener) {
	defer c.acceptWG.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			running := c.running
			c.mu.Unlock()
			if running {
				c.logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		c.mu.Lock()
		old := c.peer
		c.peer = conn
		c.mu.Unlock()

		if old != nil {
			c.logger.Info("master replaced by new connection",
				zap.String("old", old.RemoteAddr().String()),
				zap.String("new", conn.RemoteAddr().String()))
			old.Close()
		} else {
			c.logger.Info("master connected", zap.String("peer", conn.RemoteAddr().String()))
		}

		c.acceptWG.Add(1)
		go c.readLoop(conn)
	}
}

// readLoop frames and dispatches messages from one peer until the
// connection drops. Malformed lines and handler errors are logged and the
// loop continues; only stream errors end it.
func (c *Channel) readLoop(conn net.Conn) {
	defer c.acceptWG.Done()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			c.logger.Warn("dropping malformed line", zap.Error(err))
			continue
		}

		if c.handler != nil {
			if err := c.handler(msg); err != nil {
				c.logger.Error("message handler failed", zap.Error(err))
			}
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write([]byte(ackLine)); err != nil {
			c.logger.Warn("ack write failed", zap.Error(err))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Info("master read loop ended", zap.Error(err))
	}

	c.mu.Lock()
	if c.peer == conn {
		c.peer = nil
		if c.running {
			c.logger.Info("master disconnected", zap.String("peer", conn.RemoteAddr().String()))
		}
	}
	c.mu.Unlock()
	conn.Close()
}

// SendTelemetry pushes an occupancy snapshot to the connected peer,
// independent of the request/ack cycle. Returns false when no peer is
// connected or the write fails.
func (c *Channel) SendTelemetry(t cellwire.SensorTelemetry) bool {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return false
	}

	line := telemetryLine{
		InflatedZones: t.InflatedZones,
		Timestamp:     t.Timestamp.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(line)
	if err != nil {
		c.logger.Error("telemetry marshal failed", zap.Error(err))
		return false
	}
	data = append(data, '\n')

	peer.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := peer.Write(data); err != nil {
		c.logger.Warn("telemetry push failed", zap.Error(err))
		return false
	}
	return true
}

// Connected reports whether a master peer is attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

// Addr returns the bound listener address, empty before Start.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Stop closes the listener and any active peer, then joins the loops.
func (c *Channel) Stop() {
	c.mu.Lock()
	c.running = false
	ln := c.ln
	peer := c.peer
	c.ln = nil
	c.peer = nil
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	if ln != nil {
		ln.Close()
	}
	c.acceptWG.Wait()
	c.logger.Info("control channel stopped")
}
