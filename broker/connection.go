// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/WilliamJohnathonLea/wmq-server/codec"
	"github.com/WilliamJohnathonLea/wmq-server/internal/bufpool"
)

// DefaultReadBufferSize is the largest frame a single read may carry.
const DefaultReadBufferSize = 512 * 1024

// Writer is the outbound half of a connection. The coordinator writes
// ACK/NACK replies through it and delivery tasks write messages.
type Writer interface {
	Write(p []byte) (int, error)
}

// Conn is a transport-independent client connection. ReadFrame returns the
// bytes of one read; the slice is only valid until the next call.
type Conn interface {
	Writer
	ReadFrame() ([]byte, error)
	RemoteAddr() net.Addr
	Close() error
}

type streamConn struct {
	conn         net.Conn
	buf          *[]byte
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewStreamConn wraps a stream connection. Each read of up to
// readBufferSize bytes is one frame. Every write is bounded by writeTimeout
// when it is positive.
func NewStreamConn(conn net.Conn, readBufferSize int, writeTimeout time.Duration) Conn {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &streamConn{
		conn:         conn,
		buf:          bufpool.GetFrame(readBufferSize),
		writeTimeout: writeTimeout,
	}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	if c.buf == nil {
		return nil, io.EOF
	}
	n, err := c.conn.Read(*c.buf)
	if n > 0 {
		return (*c.buf)[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	// Only the reading goroutine touches buf, so it can go back to the pool here.
	bufpool.PutFrame(c.buf)
	c.buf = nil
	return nil, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error { return c.conn.Close() }

// HandleConnection runs the read side of conn until the peer goes away or
// the coordinator stops. The connection is announced as pending, then every
// decoded command becomes a coordinator event. Undecodable frames are logged
// and skipped. conn is closed on return.
func HandleConnection(ctx context.Context, c *Coordinator, conn Conn, transport string) error {
	addr := conn.RemoteAddr().String()
	logger := c.logger.With(slog.String("addr", addr), slog.String("transport", transport))

	c.stats.IncrementConnections()
	if c.metrics != nil {
		c.metrics.RecordConnection(transport)
	}
	defer func() {
		conn.Close()
		c.stats.DecrementConnections()
		if c.metrics != nil {
			c.metrics.RecordDisconnection(transport)
		}
		if c.limiter != nil {
			c.limiter.Forget(addr)
		}
	}()

	if err := c.Submit(ctx, NewConnection{Addr: addr, Writer: conn}); err != nil {
		logger.Debug("connection not registered", slog.String("error", err.Error()))
		return err
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("connection closed")
			} else {
				logger.Warn("failed to read from connection", slog.String("error", err.Error()))
			}
			if serr := c.Submit(ctx, ConnectionDropped{Addr: addr}); serr != nil {
				logger.Debug("drop not delivered", slog.String("error", serr.Error()))
			}
			return nil
		}

		cmds, derr := codec.DecodeAll(frame)
		for _, cmd := range cmds {
			if c.limiter != nil && !c.limiter.AllowCommand(addr) {
				c.stats.IncrementThrottledFrames()
				if c.metrics != nil {
					c.metrics.RecordThrottledFrame()
				}
				logger.Warn("command rate limit exceeded", slog.String("kind", cmd.Kind()))
				continue
			}
			if c.metrics != nil {
				c.metrics.RecordCommand(cmd.Kind())
			}
			ev := EventFromCommand(cmd, addr)
			if ev == nil {
				continue
			}
			if err := c.Submit(ctx, ev); err != nil {
				logger.Debug("event not delivered", slog.String("error", err.Error()))
				return err
			}
		}
		if derr != nil {
			c.stats.IncrementMalformedFrames()
			if c.metrics != nil {
				c.metrics.RecordMalformedFrame()
			}
			logger.Warn("malformed frame", slog.Int("bytes", len(frame)), slog.String("error", derr.Error()))
		}
	}
}
