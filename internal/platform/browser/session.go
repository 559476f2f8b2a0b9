package browser

import (
	"context"
	"time"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Session is one running browser bound to an avatar's profile directory.
type Session interface {
	Alive(ctx context.Context) bool
	// LoggedIn opens the login page and reports whether it redirected to
	// the flow's success URL.
	LoggedIn(ctx context.Context, flow LoginFlow) (bool, error)
	Login(ctx context.Context, flow LoginFlow, credentials map[string]string) (LoginResult, error)
	SubmitChallenge(ctx context.Context, flow LoginFlow, challenge Challenge, response string) (LoginResult, error)
	CaptureXHR(ctx context.Context, req CaptureRequest) ([]models.Item, error)
	// Page navigates to url, waits for selector and returns the final URL,
	// title and document HTML.
	Page(ctx context.Context, url, selector string) (Page, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, profileDir string) (Session, error)
}

const (
	LoginSuccess           = "success"
	LoginFailed            = "failed"
	LoginChallengeRequired = "challenge_required"
)

// LoginResult is the outcome of a login attempt.
type LoginResult struct {
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// Challenge is an interactive verification step (2FA code, phone check)
// the user must answer before login completes.
type Challenge struct {
	Prompt      string `json:"prompt"`
	Selector    string `json:"selector"`
	SubmitText  string `json:"submit_text,omitempty"`
	SubmitEnter bool   `json:"submit_enter,omitempty"`
	StepID      string `json:"step_id,omitempty"`
}

// CaptureRequest configures an XHR capture.
type CaptureRequest struct {
	URL            string
	Targets        []string
	Wait           time.Duration
	MaxCaptures    int
	ScrollCount    int
	ScrollDistance int
	// ClearCookies are deleted before navigating.
	ClearCookies []Cookie
}

type Cookie struct {
	Name   string
	Value  string
	Domain string
}

type Page struct {
	URL   string
	Title string
	HTML  string
}
