package sources

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	githubAPIBase = "https://api.github.com"

	// logsFetcherCapacity bounds webhook frames waiting on log expansion.
	logsFetcherCapacity = 512
)

// githubLogLineRE matches the timestamp prefix GitHub Actions stamps onto
// every archived log line.
var githubLogLineRE = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\s+(.*)$`)

// splitTimestampAndMessage separates a GitHub Actions log line into its
// timestamp (if present) and message, dropping a leading BOM.
func splitTimestampAndMessage(line string) (timestamp, message string) {
	sanitized := strings.TrimPrefix(line, "\ufeff")
	if m := githubLogLineRE.FindStringSubmatch(sanitized); m != nil {
		return m[1], strings.TrimSpace(m[2])
	}
	return "", sanitized
}

// WebhookOptions configures a GithubWebhookSource.
type WebhookOptions struct {
	BindAddress string
	Path        string
	Secret      string

	// Token authenticates the Actions log downloads.
	Token string

	// APIBase overrides the GitHub API endpoint (GitHub Enterprise, tests).
	APIBase string

	// MaxBodyBytes caps a single delivery. Defaults to 25 MiB, GitHub's own
	// payload ceiling.
	MaxBodyBytes int64
}

// GithubWebhookSource accepts webhook deliveries over HTTP, verifies the
// HMAC-SHA256 signature, and forwards the normalized payload. workflow_run
// completions additionally fetch the run's log archive from the Actions API
// and emit one synthesized event per log line.
type GithubWebhookSource struct {
	name    string
	opts    WebhookOptions
	decoder Decoder
	fwd     Forwarder
	client  *http.Client
	logs    chan []byte
	logger  zerolog.Logger
}

func NewGithubWebhookSource(name string, opts WebhookOptions, decoder Decoder, fwd Forwarder, logger zerolog.Logger) *GithubWebhookSource {
	if opts.Path == "" {
		opts.Path = "/webhook"
	}
	if opts.APIBase == "" {
		opts.APIBase = githubAPIBase
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 25 << 20
	}
	l := logger.With().Str("source", name).Logger()
	decoder.Logger = l
	return &GithubWebhookSource{
		name:    name,
		opts:    opts,
		decoder: decoder,
		fwd:     fwd,
		client:  &http.Client{Timeout: 60 * time.Second},
		logs:    make(chan []byte, logsFetcherCapacity),
		logger:  l,
	}
}

func (s *GithubWebhookSource) Name() string { return s.name }

func (s *GithubWebhookSource) Run(ctx context.Context) error {
	fetchCtx, cancelFetcher := context.WithCancel(ctx)
	defer cancelFetcher()

	var fetcher sync.WaitGroup
	fetcher.Add(1)
	go func() {
		defer fetcher.Done()
		s.runLogsFetcher(fetchCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleDelivery)

	srv := &http.Server{
		Addr:              s.opts.BindAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancelFetcher()
		fetcher.Wait()
		return fmt.Errorf("webhook listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		fetcher.Wait()
		return nil
	}
}

// handleDelivery verifies and frames one webhook delivery, then hands it to
// the logs fetcher, which decides between plain forwarding and expansion.
func (s *GithubWebhookSource) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("X-GitHub-Event") == "ping" {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "read failure", http.StatusBadRequest)
		return
	}

	if s.opts.Secret != "" {
		if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
			s.logger.Warn().Str("event", r.Header.Get("X-GitHub-Event")).Msg("rejected delivery with bad signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	ndjson := s.decoder.Normalize(body, r.Header.Get("Content-Encoding"), "")
	for _, frame := range SplitLines(ndjson) {
		select {
		case s.logs <- frame:
		case <-r.Context().Done():
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// runLogsFetcher drains webhook frames, expanding workflow_run completions
// into per-line log events. Fetch failures are non-fatal: the raw event
// still forwards.
func (s *GithubWebhookSource) runLogsFetcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.logs:
			if !ok {
				return
			}
			if err := s.processFrame(ctx, frame); err != nil {
				s.logger.Warn().Err(err).Msg("github logs fetcher error")
			}
		}
	}
}

// workflowRunEvent is the slice of the webhook payload the fetcher reads.
type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		ID         uint64 `json:"id"`
		HeadSHA    string `json:"head_sha"`
		Repository struct {
			FullName string `json:"full_name"`
			Name     string `json:"name"`
			Owner    struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	} `json:"workflow_run"`
}

// ciLogEvent is the synthesized NDJSON record for one archived log line.
type ciLogEvent struct {
	Kind   string `json:"kind"`
	Github struct {
		RunID   uint64 `json:"run_id"`
		Repo    string `json:"repo"`
		SHA     string `json:"sha"`
		LogFile string `json:"log_file"`
	} `json:"github"`
	Message string `json:"message"`
	Key     *struct {
		Timestamp string `json:"timestamp"`
	} `json:"key,omitempty"`
}

// processFrame forwards one webhook frame, expanding it with the run's log
// lines when it is a completed workflow_run.
func (s *GithubWebhookSource) processFrame(ctx context.Context, frame []byte) error {
	trimmed := bytes.TrimSuffix(frame, []byte{'\n'})
	if len(trimmed) == 0 {
		return nil
	}

	var event workflowRunEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return fmt.Errorf("parsing webhook JSON: %w", err)
	}

	if event.WorkflowRun == nil || event.Action != "completed" {
		return s.fwd.Forward(ctx, sourceRef(s.name), [][]byte{frame}, nil)
	}

	outFrames, err := s.expandRunLogs(ctx, event, frame)
	if err != nil {
		s.logger.Warn().Err(err).Msg("log expansion failed; forwarding raw event")
		outFrames = [][]byte{frame}
	}
	return s.fwd.Forward(ctx, sourceRef(s.name), outFrames, nil)
}

// expandRunLogs fetches and unzips the run's log archive, synthesizing one
// github_ci_log event per non-empty line. The raw webhook frame leads the
// returned set.
func (s *GithubWebhookSource) expandRunLogs(ctx context.Context, event workflowRunEvent, frame []byte) ([][]byte, error) {
	run := event.WorkflowRun
	if run.ID == 0 {
		return nil, fmt.Errorf("workflow_run.id missing")
	}

	repo := run.Repository.FullName
	if repo == "" {
		if run.Repository.Name == "" || run.Repository.Owner.Login == "" {
			return nil, fmt.Errorf("workflow_run.repository identity missing")
		}
		repo = run.Repository.Owner.Login + "/" + run.Repository.Name
	}

	logsURL := fmt.Sprintf("%s/repos/%s/actions/runs/%d/logs", s.opts.APIBase, repo, run.ID)
	s.logger.Info().Str("repo", repo).Uint64("run_id", run.ID).Msg("fetching github actions logs")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL, nil)
	if err != nil {
		return nil, err
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	req.Header.Set("User-Agent", "tideflow-logs")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", logsURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github returned %s for %s", resp.Status, logsURL)
	}

	archiveBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading logs zip: %w", err)
	}
	archive, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, fmt.Errorf("opening logs zip: %w", err)
	}

	outFrames := [][]byte{frame}
	for _, entry := range archive.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("reading zip entry %s: %w", entry.Name, err)
		}
		contents, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading zip entry %s: %w", entry.Name, err)
		}

		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			timestamp, message := splitTimestampAndMessage(line)

			var ev ciLogEvent
			ev.Kind = "github_ci_log"
			ev.Github.RunID = run.ID
			ev.Github.Repo = repo
			ev.Github.SHA = run.HeadSHA
			ev.Github.LogFile = entry.Name
			ev.Message = message
			if timestamp != "" {
				ev.Key = &struct {
					Timestamp string `json:"timestamp"`
				}{Timestamp: timestamp}
			}

			encoded, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			outFrames = append(outFrames, append(encoded, '\n'))
		}
	}
	return outFrames, nil
}

// verifySignature checks the sha256= HMAC header against the shared secret.
func (s *GithubWebhookSource) verifySignature(header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.opts.Secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
