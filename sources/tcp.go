package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// TCPSource reads newline-framed records from TCP connections. Complete
// lines drain into the DAG per read; a partial final line is flushed with a
// newline when the peer closes.
type TCPSource struct {
	name       string
	addr       string
	readBufCap int
	fwd        Forwarder
	logger     zerolog.Logger
}

// NewTCPSource listens on addr. readBufCap floors at 8 KiB.
func NewTCPSource(name, addr string, readBufCap int, fwd Forwarder, logger zerolog.Logger) *TCPSource {
	if readBufCap < 8*1024 {
		readBufCap = 8 * 1024
	}
	return &TCPSource{
		name:       name,
		addr:       addr,
		readBufCap: readBufCap,
		fwd:        fwd,
		logger:     logger.With().Str("source", name).Logger(),
	}
}

func (s *TCPSource) Name() string { return s.name }

func (s *TCPSource) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding tcp %s: %w", s.addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("tcp accept error")
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				s.logger.Debug().Err(err).Msg("failed to enable TCP_NODELAY")
			}
		}

		conns.Add(1)
		go func(conn net.Conn) {
			defer conns.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}(conn)
	}
}

// drainLines removes every complete line from buf and returns them as
// frames.
func drainLines(buf *[]byte) [][]byte {
	var frames [][]byte
	b := *buf
	for {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			break
		}
		frames = append(frames, append([]byte(nil), b[:nl+1]...))
		b = b[nl+1:]
	}
	*buf = append((*buf)[:0], b...)
	return frames
}

func (s *TCPSource) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr()
	buf := make([]byte, 0, s.readBufCap)
	read := make([]byte, s.readBufCap)

	for {
		n, err := conn.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			frames := drainLines(&buf)
			if len(frames) > 0 {
				if fwdErr := s.fwd.Forward(ctx, sourceRef(s.name), frames, nil); fwdErr != nil {
					s.logger.Warn().Err(fwdErr).Msg("forward failed; closing connection")
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				// Flush the unterminated tail as its own frame.
				line := append(buf, '\n')
				if fwdErr := s.fwd.Forward(ctx, sourceRef(s.name), [][]byte{line}, nil); fwdErr != nil {
					s.logger.Warn().Err(fwdErr).Msg("forward of final partial line failed")
				}
			} else if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Stringer("remote", remote).Err(err).Msg("tcp read error")
			}
			return
		}
	}
}
