package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileSource reads one file to completion, normalizes it, forwards every
// line, then idles until shutdown.
type FileSource struct {
	name    string
	path    string
	decoder Decoder
	fwd     Forwarder
	logger  zerolog.Logger
}

func NewFileSource(name, path string, decoder Decoder, fwd Forwarder, logger zerolog.Logger) *FileSource {
	l := logger.With().Str("source", name).Logger()
	decoder.Logger = l
	return &FileSource{name: name, path: path, decoder: decoder, fwd: fwd, logger: l}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Run(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}

	ndjson := s.decoder.Normalize(raw, "", filepath.Base(s.path))
	frames := SplitLines(ndjson)

	if err := s.fwd.Forward(ctx, sourceRef(s.name), frames, nil); err != nil {
		return err
	}
	s.logger.Info().Int("frames", len(frames)).Str("path", s.path).Msg("file source drained")

	<-ctx.Done()
	return nil
}
