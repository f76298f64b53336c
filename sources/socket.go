package sources

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// SocketSource reads newline-framed records from a unix domain socket, one
// goroutine per accepted connection. Lines carry no ack handle; durability
// begins at the staging store.
type SocketSource struct {
	name   string
	path   string
	fwd    Forwarder
	logger zerolog.Logger
}

// NewSocketSource stages a listener on path; a stale socket file from a
// previous run is removed first.
func NewSocketSource(name, path string, fwd Forwarder, logger zerolog.Logger) *SocketSource {
	return &SocketSource{
		name:   name,
		path:   path,
		fwd:    fwd,
		logger: logger.With().Str("source", name).Logger(),
	}
}

func (s *SocketSource) Name() string { return s.name }

func (s *SocketSource) Run(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("binding unix socket %s: %w", s.path, err)
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
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		conns.Add(1)
		go func(conn net.Conn) {
			defer conns.Done()
			defer conn.Close()
			s.serveConn(ctx, conn)
		}(conn)
	}
}

func (s *SocketSource) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if fwdErr := s.fwd.Forward(ctx, sourceRef(s.name), [][]byte{line}, nil); fwdErr != nil {
				s.logger.Warn().Err(fwdErr).Msg("forward failed; closing connection")
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("socket read ended")
			}
			return
		}
	}
}
