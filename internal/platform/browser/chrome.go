package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

const (
	elementTimeout = 10 * time.Second
	settleDelay    = 3 * time.Second
	scrollPause    = 1500 * time.Millisecond
	pollInterval   = 250 * time.Millisecond
)

var errElementNotFound = errors.New("element not found")

// ChromeLauncher starts Chrome through chromedp with a persistent profile.
type ChromeLauncher struct {
	Headless bool
	ExecPath string
}

// Launch starts a browser whose lifetime is independent of ctx; ctx only
// bounds the startup.
func (l ChromeLauncher) Launch(ctx context.Context, profileDir string) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", l.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &chromeSession{tab: tabCtx, cancel: func() { tabCancel(); allocCancel() }}

	if err := s.run(ctx, network.Enable()); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return s, nil
}

type chromeSession struct {
	tab    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// run executes actions on the tab, aborting when ctx is done without
// closing the tab.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *chromeSession) Alive(ctx context.Context) bool {
	if s.tab.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var n int
	return s.run(ctx, chromedp.Evaluate(`1`, &n)) == nil
}

func (s *chromeSession) LoggedIn(ctx context.Context, flow LoginFlow) (bool, error) {
	var url string
	err := s.run(ctx,
		chromedp.Navigate(flow.LoginURL),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&url),
	)
	if err != nil {
		return false, fmt.Errorf("open login page: %w", err)
	}
	return flow.Succeeded(url), nil
}

func (s *chromeSession) Login(ctx context.Context, flow LoginFlow, credentials map[string]string) (LoginResult, error) {
	if err := s.run(ctx, chromedp.Navigate(flow.LoginURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return LoginResult{}, fmt.Errorf("open login page: %w", err)
	}

	for _, step := range flow.Steps {
		res, done, err := s.step(ctx, step, credentials)
		if err != nil {
			if step.Optional && errors.Is(err, errElementNotFound) {
				slog.Debug("optional login step skipped", "platform", flow.Platform, "step", step.ID)
				continue
			}
			return LoginResult{Status: LoginFailed, Error: fmt.Sprintf("step %q: %v", step.ID, err)}, nil
		}
		if done {
			return res, nil
		}
	}
	return s.outcome(ctx, flow)
}

// step runs one login step. done is set when the step ends the flow early.
func (s *chromeSession) step(ctx context.Context, step Step, credentials map[string]string) (LoginResult, bool, error) {
	switch step.Type {
	case StepWait:
		return LoginResult{}, false, s.run(ctx, chromedp.Sleep(seconds(step.WaitSeconds)))

	case StepInput:
		value := credentials[step.CredentialField]
		if value == "" {
			return LoginResult{}, false, fmt.Errorf("missing credential %q", step.CredentialField)
		}
		sel, err := s.find(ctx, step.Selector, step.SelectorFallback)
		if err != nil {
			return LoginResult{}, false, err
		}
		text := value
		if step.PressEnter {
			text += kb.Enter
		}
		return LoginResult{}, false, s.run(ctx, chromedp.SendKeys(sel, text, chromedp.ByQuery))

	case StepClick:
		if step.FindText != "" {
			return LoginResult{}, false, s.clickText(ctx, step.Selector, step.FindText)
		}
		sel, err := s.find(ctx, step.Selector, step.SelectorFallback)
		if err != nil {
			return LoginResult{}, false, err
		}
		return LoginResult{}, false, s.run(ctx, chromedp.Click(sel, chromedp.ByQuery))

	case StepCheckChallenge:
		if step.Challenge == nil {
			return LoginResult{}, false, nil
		}
		found, err := s.exists(ctx, step.Challenge.Selector)
		if err != nil || !found {
			return LoginResult{}, false, err
		}
		return LoginResult{
			Status: LoginChallengeRequired,
			Challenge: &Challenge{
				Prompt:      step.Challenge.Prompt,
				Selector:    step.Challenge.Selector,
				SubmitText:  step.Challenge.SubmitText,
				SubmitEnter: step.Challenge.SubmitEnter,
				StepID:      step.ID,
			},
		}, true, nil
	}
	return LoginResult{}, false, fmt.Errorf("unknown step type %q", step.Type)
}

func (s *chromeSession) SubmitChallenge(ctx context.Context, flow LoginFlow, ch Challenge, response string) (LoginResult, error) {
	sel, err := s.find(ctx, ch.Selector)
	if err != nil {
		return LoginResult{Status: LoginFailed, Error: "challenge input is gone"}, nil
	}
	text := response
	if ch.SubmitEnter {
		text += kb.Enter
	}
	if err := s.run(ctx, chromedp.SendKeys(sel, text, chromedp.ByQuery)); err != nil {
		return LoginResult{}, fmt.Errorf("enter challenge response: %w", err)
	}
	if ch.SubmitText != "" && !ch.SubmitEnter {
		if err := s.clickText(ctx, "button, div[role=button]", ch.SubmitText); err != nil {
			return LoginResult{}, fmt.Errorf("submit challenge: %w", err)
		}
	}
	return s.outcome(ctx, flow)
}

func (s *chromeSession) outcome(ctx context.Context, flow LoginFlow) (LoginResult, error) {
	var url string
	if err := s.run(ctx, chromedp.Sleep(settleDelay), chromedp.Location(&url)); err != nil {
		return LoginResult{}, fmt.Errorf("read location: %w", err)
	}
	if flow.Succeeded(url) {
		return LoginResult{Status: LoginSuccess}, nil
	}
	return LoginResult{Status: LoginFailed, Error: "login did not reach " + flow.SuccessURLPattern}, nil
}

// find waits for the first selector that matches an element.
func (s *chromeSession) find(ctx context.Context, selectors ...string) (string, error) {
	deadline := time.Now().Add(elementTimeout)
	for {
		for _, sel := range selectors {
			if sel == "" {
				continue
			}
			ok, err := s.exists(ctx, sel)
			if err != nil {
				return "", err
			}
			if ok {
				return sel, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", errElementNotFound, strings.Join(selectors, " | "))
		}
		if err := sleepCtx(ctx, pollInterval*2); err != nil {
			return "", err
		}
	}
}

func (s *chromeSession) exists(ctx context.Context, sel string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, sel)
	if err := s.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (s *chromeSession) clickText(ctx context.Context, scope, text string) error {
	if scope == "" {
		scope = "button, a, span, div[role=button]"
	}
	expr := fmt.Sprintf(`(() => {
  const want = %q.toLowerCase();
  for (const el of document.querySelectorAll(%q)) {
    if ((el.innerText || "").trim().toLowerCase() === want) { el.click(); return true; }
  }
  return false;
})()`, text, scope)
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(expr, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: text %q", errElementNotFound, text)
	}
	return nil
}

type pendingResponse struct {
	url    string
	target string
	status int64
}

func (s *chromeSession) CaptureXHR(ctx context.Context, req CaptureRequest) ([]models.Item, error) {
	listenCtx, stopListening := context.WithCancel(s.tab)
	defer stopListening()

	var (
		mu       sync.Mutex
		pending  = make(map[network.RequestID]pendingResponse)
		captured []models.Item
		wg       sync.WaitGroup
	)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(captured)
	}

	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeXHR && e.Type != network.ResourceTypeFetch {
				return
			}
			target := matchTarget(e.Response.URL, req.Targets)
			if target == "" {
				return
			}
			mu.Lock()
			pending[e.RequestID] = pendingResponse{url: e.Response.URL, target: target, status: e.Response.Status}
			mu.Unlock()

		case *network.EventLoadingFinished:
			mu.Lock()
			p, ok := pending[e.RequestID]
			delete(pending, e.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			// Response bodies cannot be fetched from inside the listener.
			wg.Add(1)
			go func(id network.RequestID) {
				defer wg.Done()
				var body []byte
				err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
					b, err := network.GetResponseBody(id).Do(ctx)
					body = b
					return err
				}))
				if err != nil {
					slog.Debug("failed to read captured response", "url", p.url, "error", err)
					return
				}
				if p.status == 200 && strings.Contains(string(body), `"code":353`) {
					slog.Warn("platform rejected request with error 353, session cookies may be stale", "url", p.url)
				}
				mu.Lock()
				captured = append(captured, models.Item{
					"url":         p.url,
					"target":      p.target,
					"body":        string(body),
					"captured_at": time.Now().UTC().Format(time.RFC3339),
					"status_code": p.status,
				})
				mu.Unlock()
			}(e.RequestID)
		}
	})

	var actions []chromedp.Action
	for _, c := range req.ClearCookies {
		actions = append(actions, network.DeleteCookies(c.Name).WithDomain(c.Domain))
	}
	actions = append(actions, chromedp.Navigate(req.URL))
	if err := s.run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	for i := 0; i < req.ScrollCount && count() < req.MaxCaptures; i++ {
		expr := fmt.Sprintf(`window.scrollBy(0, %d)`, req.ScrollDistance)
		if err := s.run(ctx, chromedp.Evaluate(expr, nil), chromedp.Sleep(scrollPause)); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
	}

	deadline := time.Now().Add(req.Wait)
	for count() < req.MaxCaptures && time.Now().Before(deadline) {
		if err := sleepCtx(ctx, pollInterval); err != nil {
			break
		}
	}
	stopListening()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(captured) > req.MaxCaptures {
		captured = captured[:req.MaxCaptures]
	}
	return captured, ctx.Err()
}

func (s *chromeSession) Page(ctx context.Context, url, selector string) (Page, error) {
	var p Page
	err := s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Location(&p.URL),
		chromedp.Title(&p.Title),
		chromedp.OuterHTML("html", &p.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return Page{}, fmt.Errorf("load %s: %w", url, err)
	}
	return p, nil
}

func (s *chromeSession) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		got, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range got {
			cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return cookies, nil
}

func (s *chromeSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func matchTarget(url string, targets []string) string {
	for _, t := range targets {
		if t != "" && strings.Contains(url, t) {
			return t
		}
	}
	return ""
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
