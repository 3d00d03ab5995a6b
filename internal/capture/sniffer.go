package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// bodyFetcher pulls a finished response body out of the browser.
type bodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

// candidate is a response that looked CSV-shaped when its headers arrived.
type candidate struct {
	url  string
	mime string
}

// sniffedBody is the single capture slot.
type sniffedBody struct {
	seq  int
	url  string
	data []byte
}

// Sniffer watches network traffic for a CSV-shaped response and keeps the
// latest finished one. Single slot, last wins: dashboards often fire a
// small preview request before the real export, and the export is always
// the later of the two.
type Sniffer struct {
	cfg   config.CaptureConfig
	hook  Hook
	log   *zap.Logger
	fetch bodyFetcher

	mu         sync.Mutex
	candidates map[network.RequestID]candidate
	hit        *sniffedBody
	seq        int
	fetchWG    sync.WaitGroup
	armed      bool

	// sessionCtx backs the body-fetch goroutines so they die with the tab
	// rather than with whichever caller context armed the sniffer.
	sessionCtx context.Context
}

func NewSniffer(cfg config.CaptureConfig, hook Hook, logger *zap.Logger) *Sniffer {
	s := &Sniffer{
		cfg:        cfg,
		hook:       hook,
		log:        logger.Named("sniffer"),
		candidates: make(map[network.RequestID]candidate),
	}
	s.fetch = s.fetchViaHook
	return s
}

// Arm starts watching traffic. It must happen before the export control is
// activated so the export response cannot slip past; captured bodies sit
// in the slot until Flush asks for them.
func (s *Sniffer) Arm(ctx context.Context) {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = true
	s.sessionCtx = ctx
	s.mu.Unlock()

	s.hook.Listen(func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			s.handleResponse(e)
		case *network.EventLoadingFinished:
			s.handleFinished(e)
		case *network.EventLoadingFailed:
			s.handleFailed(e)
		}
	})
	s.log.Debug("Network sniffer armed")
}

func (s *Sniffer) handleResponse(e *network.EventResponseReceived) {
	if e.Response == nil || !looksLikeCSV(e.Response) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[e.RequestID] = candidate{url: e.Response.URL, mime: e.Response.MimeType}
}

func (s *Sniffer) handleFinished(e *network.EventLoadingFinished) {
	s.mu.Lock()
	cand, ok := s.candidates[e.RequestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.candidates, e.RequestID)
	s.seq++
	seq := s.seq
	ctx := s.sessionCtx
	s.fetchWG.Add(1)
	s.mu.Unlock()

	go s.fetchBody(ctx, e.RequestID, cand, seq)
}

func (s *Sniffer) handleFailed(e *network.EventLoadingFailed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, e.RequestID)
}

// fetchBody grabs the response body for a finished candidate. Runs in its
// own goroutine; the slot only moves forward in event order, so a slow
// fetch for an early response can never clobber a later one.
func (s *Sniffer) fetchBody(ctx context.Context, id network.RequestID, cand candidate, seq int) {
	defer s.fetchWG.Done()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	body, err := s.fetch(fetchCtx, id)
	if err != nil {
		if fetchCtx.Err() == nil {
			s.log.Debug("Failed to fetch candidate body",
				zap.String("url", cand.url), zap.Error(err))
		}
		return
	}
	if len(body) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hit != nil && s.hit.seq > seq {
		return
	}
	s.hit = &sniffedBody{seq: seq, url: cand.url, data: body}
	s.log.Info("Captured CSV-shaped response",
		zap.String("url", cand.url),
		zap.String("mime_type", cand.mime),
		zap.Int("bytes", len(body)),
	)
}

func (s *Sniffer) fetchViaHook(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := s.hook.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	return body, err
}

// Flush waits out any in-flight body fetches and materializes the slot, if
// anything is in it. Empty slot is a clean miss, not an error.
func (s *Sniffer) Flush(ctx context.Context) (*Result, bool, error) {
	s.waitForFetches(ctx)

	s.mu.Lock()
	hit := s.hit
	s.mu.Unlock()

	if hit == nil {
		return nil, false, nil
	}

	path, err := WriteExclusive(s.cfg.Dir, s.cfg.Prefix, time.Now(), hit.data)
	if err != nil {
		return nil, false, err
	}
	s.log.Info("Sniffed response materialized", zap.String("path", path), zap.String("url", hit.url))
	return &Result{Path: path, SizeBytes: int64(len(hit.data)), Source: SourceNetworkSniff}, true, nil
}

func (s *Sniffer) waitForFetches(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.fetchWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for candidate body fetches", zap.Error(ctx.Err()))
	}
}

// looksLikeCSV decides from headers alone whether a response might be the
// export. Dashboards serve these as text/csv, as application/octet-stream
// with a CSV attachment disposition, or occasionally from a .csv URL.
func looksLikeCSV(resp *network.Response) bool {
	mime := strings.ToLower(resp.MimeType)
	if strings.Contains(mime, "csv") {
		return true
	}

	if disp := headerValue(resp.Headers, "Content-Disposition"); disp != "" {
		lower := strings.ToLower(disp)
		if strings.Contains(lower, ".csv") {
			return true
		}
	}

	url := strings.ToLower(resp.URL)
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.HasSuffix(url, ".csv")
}

// headerValue performs a case insensitive header lookup. CDP joins
// multi-value headers with newlines; the first value wins.
func headerValue(headers network.Headers, key string) string {
	for name, value := range headers {
		if !strings.EqualFold(name, key) {
			continue
		}
		if str, ok := value.(string); ok {
			return strings.Split(str, "\n")[0]
		}
	}
	return ""
}
