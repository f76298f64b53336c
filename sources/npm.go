package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/cache"
)

// NPMOptions configures an NPMRegistrySource.
type NPMOptions struct {
	Packages     []string
	RegistryURL  string
	PollInterval time.Duration
}

// NPMRegistrySource polls package documents and emits one NDJSON event per
// newly observed version. The KV cache remembers versions across restarts so
// a restart does not replay history.
type NPMRegistrySource struct {
	name   string
	opts   NPMOptions
	client *http.Client
	cache  *cache.Cache
	fwd    Forwarder
	logger zerolog.Logger
}

func NewNPMRegistrySource(name string, opts NPMOptions, kv *cache.Cache, fwd Forwarder, logger zerolog.Logger) *NPMRegistrySource {
	if opts.RegistryURL == "" {
		opts.RegistryURL = "https://registry.npmjs.org"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &NPMRegistrySource{
		name: name,
		opts: opts,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:  kv,
		fwd:    fwd,
		logger: logger.With().Str("source", name).Logger(),
	}
}

func (s *NPMRegistrySource) Name() string { return s.name }

func (s *NPMRegistrySource) Run(ctx context.Context) error {
	// First sweep immediately, then on the interval.
	s.pollAll(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *NPMRegistrySource) pollAll(ctx context.Context) {
	for _, pkg := range s.opts.Packages {
		if ctx.Err() != nil {
			return
		}
		if err := s.pollPackage(ctx, pkg); err != nil {
			s.logger.Warn().Err(err).Str("package", pkg).Msg("poll failed")
		}
	}
}

// npmPackageDoc is the slice of the registry document the source reads.
type npmPackageDoc struct {
	Name     string `json:"name"`
	Versions map[string]struct {
		Dist struct {
			Shasum    string `json:"shasum"`
			Integrity string `json:"integrity"`
			Tarball   string `json:"tarball"`
		} `json:"dist"`
	} `json:"versions"`
	Time map[string]string `json:"time"`
}

// versionEvent is the NDJSON record emitted per new version.
type versionEvent struct {
	Package     string `json:"package"`
	Version     string `json:"version"`
	Shasum      string `json:"shasum,omitempty"`
	Integrity   string `json:"integrity,omitempty"`
	Tarball     string `json:"tarball,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

func (s *NPMRegistrySource) pollPackage(ctx context.Context, pkg string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.RegistryURL+"/"+pkg, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	var doc npmPackageDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decoding package document: %w", err)
	}

	var frames [][]byte
	var seenKeys []string
	for ver, v := range doc.Versions {
		key := "npm:" + pkg + "@" + ver
		if s.cache != nil {
			if _, found, _ := s.cache.Get(key); found {
				continue
			}
		}

		ev := versionEvent{
			Package:     pkg,
			Version:     ver,
			Shasum:      v.Dist.Shasum,
			Integrity:   v.Dist.Integrity,
			Tarball:     v.Dist.Tarball,
			PublishedAt: doc.Time[ver],
		}
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		frames = append(frames, append(line, '\n'))
		seenKeys = append(seenKeys, key)
	}

	if len(frames) == 0 {
		return nil
	}
	if err := s.fwd.Forward(ctx, sourceRef(s.name), frames, nil); err != nil {
		return err
	}

	// Remember only after a successful forward so a failure retries next poll.
	if s.cache != nil {
		ttl := int64((30 * 24 * time.Hour).Milliseconds())
		for _, key := range seenKeys {
			_ = s.cache.Set(key, []byte("1"), &ttl)
		}
	}
	s.logger.Info().Str("package", pkg).Int("new_versions", len(frames)).Msg("emitted version events")
	return nil
}
