// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Velaire Systems

package device

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"github.com/velaire/cellnode/pkg/config"
)

// Transport is a byte stream to the microcontroller, either a local UART
// or a WebSocket serial bridge.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrTransportClosed is returned when reading from a closed WebSocket
// transport.
var ErrTransportClosed = fmt.Errorf("device: transport closed")

// serialTransport wraps a UART port.
type serialTransport struct {
	port serial.Port
}

func (s *serialTransport) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialTransport) Close() error                { return s.port.Close() }

// wsTransport adapts a WebSocket connection to byte-level reading. Bridge
// messages are binary frames carrying raw UART bytes.
type wsTransport struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *wsTransport) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrTransportClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *wsTransport) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsTransport) Close() error { return w.conn.Close() }

// OpenSerialTransport opens the UART at 8N1.
func OpenSerialTransport(portName string, baudRate int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("device: open serial port %s: %w", portName, err)
	}
	return &serialTransport{port: port}, nil
}

// OpenWebSocketTransport dials a serial-over-WebSocket bridge.
func OpenWebSocketTransport(wsURL string) (Transport, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("device: invalid bridge URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("device: unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("device: bridge connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("device: bridge connection failed: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

// OpenTransport picks the transport from config: DEVICE_URL selects the
// WebSocket bridge, otherwise the local UART is used.
func OpenTransport(cfg *config.Config) (Transport, string, error) {
	if cfg.DeviceURL != "" {
		t, err := OpenWebSocketTransport(cfg.DeviceURL)
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("WebSocket: %s", cfg.DeviceURL), nil
	}

	t, err := OpenSerialTransport(cfg.SerialPort, cfg.SerialBaud)
	if err != nil {
		return nil, "", err
	}
	return t, fmt.Sprintf("Serial: %s @ %d baud", cfg.SerialPort, cfg.SerialBaud), nil
}
