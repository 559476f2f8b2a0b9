package browser

import (
	"context"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/internal/platform"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

type captureParams struct {
	NavigateURL    string   `json:"navigate_url" validate:"required,url"`
	XHRTargets     []string `json:"xhr_targets" validate:"required,min=1,dive,required"`
	WaitSeconds    float64  `json:"wait_seconds" validate:"gte=0,lte=120"`
	MaxCaptures    int      `json:"max_captures" validate:"gte=1,lte=100"`
	ScrollCount    int      `json:"scroll_count" validate:"gte=0,lte=50"`
	ScrollDistance int      `json:"scroll_distance" validate:"gte=0"`
}

type pageParams struct {
	NavigateURL string `json:"navigate_url" validate:"required,url"`
	Selector    string `json:"selector"`
}

// csrfCookies are cleared before capturing on X so the page issues a
// fresh token instead of failing requests with error 353.
var csrfCookies = map[string][]Cookie{
	"x":       {{Name: "ct0", Domain: ".x.com"}, {Name: "ct0", Domain: ".twitter.com"}},
	"twitter": {{Name: "ct0", Domain: ".x.com"}, {Name: "ct0", Domain: ".twitter.com"}},
}

func (p *Provider) xhrCapture(ctx context.Context, s Session, site string, params map[string]any) ([]models.Item, error) {
	args := captureParams{WaitSeconds: 10, MaxCaptures: 5, ScrollDistance: 800}
	if err := platform.DecodeParams(params, &args); err != nil {
		return nil, err
	}
	return s.CaptureXHR(ctx, CaptureRequest{
		URL:            args.NavigateURL,
		Targets:        args.XHRTargets,
		Wait:           time.Duration(args.WaitSeconds * float64(time.Second)),
		MaxCaptures:    args.MaxCaptures,
		ScrollCount:    args.ScrollCount,
		ScrollDistance: args.ScrollDistance,
		ClearCookies:   csrfCookies[site],
	})
}

func (p *Provider) pageText(ctx context.Context, s Session, params map[string]any) ([]models.Item, error) {
	args := pageParams{Selector: "body"}
	if err := platform.DecodeParams(params, &args); err != nil {
		return nil, err
	}
	if args.Selector == "" {
		args.Selector = "body"
	}
	page, err := s.Page(ctx, args.NavigateURL, args.Selector)
	if err != nil {
		return nil, err
	}
	text, err := extractText(page.HTML, args.Selector)
	if err != nil {
		return nil, err
	}
	return []models.Item{{"url": page.URL, "title": page.Title, "text": text}}, nil
}
