package navigator

import (
	"context"
	"net/http"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Preflight issues a plain HTTP probe against the dashboard origin before
// the browser spends any time there. The result never gates the run; it
// gives the log an early read on DNS, TLS, and bot-wall posture.
type Preflight struct {
	client *resty.Client
	log    *zap.Logger
}

// NewPreflight builds the probe client. The transport is wrapped with the
// cloudflare bypass so the probe sees roughly what a browser would instead
// of an instant 403.
func NewPreflight(timeout time.Duration, logger *zap.Logger) *Preflight {
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	client.SetTransport(cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport))

	return &Preflight{
		client: client,
		log:    logger.Named("preflight"),
	}
}

// Probe fetches the origin and logs what came back.
func (p *Preflight) Probe(ctx context.Context, origin string) {
	resp, err := p.client.R().SetContext(ctx).Get(origin)
	if err != nil {
		p.log.Warn("Preflight probe failed", zap.String("url", origin), zap.Error(err))
		return
	}

	p.log.Info("Preflight probe finished",
		zap.String("url", origin),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", resp.Time()),
		zap.Int("bytes", len(resp.Body())),
	)
	if resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusTooManyRequests {
		p.log.Warn("Origin blocked the plain probe; expect bot-wall friction in the browser",
			zap.Int("status", resp.StatusCode()))
	}
}
