// internal/browser/chrome.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
)

// baseHeaders is the browser-shaped header template for outbound requests.
// user-agent and accept-language are overwritten from the live tab once
// bootstrap completes.
var baseHeaders = map[string]string{
	"accept":             "*/*",
	"accept-encoding":    "gzip, deflate, br",
	"accept-language":    "en-US",
	"sec-ch-ua":          `"Chromium";v="136", "Google Chrome";v="136", "Not.A/Brand";v="99"`,
	"sec-ch-ua-mobile":   "?0",
	"sec-ch-ua-platform": `"Windows"`,
	"sec-fetch-dest":     "empty",
	"sec-fetch-mode":     "cors",
	"sec-fetch-site":     "same-origin",
}

const fallbackUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// ChromeDriver drives one chromedp-managed browser process. All public
// methods serialize through the FIFO worker gate.
type ChromeDriver struct {
	cfg    *config.Config
	logger *zap.Logger
	gate   *gate
	state  stateMachine

	mu           sync.Mutex // guards the context fields below
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	tabCtx       context.Context
	tabCancel    context.CancelFunc
	userAgent    string
	language     string
	bootstrapped bool
}

var _ Driver = (*ChromeDriver)(nil)

// NewChromeDriver prepares the driver without launching anything; the browser
// process starts on the first Bootstrap.
func NewChromeDriver(cfg *config.Config, logger *zap.Logger) *ChromeDriver {
	return &ChromeDriver{
		cfg:    cfg,
		logger: logger.Named("browser"),
		gate:   newGate(),
	}
}

func (d *ChromeDriver) State() State { return d.state.get() }

func (d *ChromeDriver) bootURL() string {
	return strings.TrimRight(d.cfg.Arena.Origin, "/") + d.cfg.Arena.BootPath
}

// allocatorOptions assembles launch flags. The enable-automation default is
// stripped and navigator.webdriver disabled so the challenge widget sees a
// plausible browser.
func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions[:] {
		opts = append(opts, opt)
	}

	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Browser.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)

	if d.cfg.Browser.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.Browser.ExecutablePath))
	}
	if d.cfg.Browser.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(d.cfg.Browser.UserDataDir))
	}
	if d.cfg.Browser.ProfileDir != "" {
		opts = append(opts, chromedp.Flag("profile-directory", d.cfg.Browser.ProfileDir))
	}

	for _, arg := range d.cfg.Browser.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}
	return opts
}

// ensureContexts launches the allocator and tab context if needed.
// Caller holds d.mu.
func (d *ChromeDriver) ensureContextsLocked() error {
	if d.tabCtx != nil && d.tabCtx.Err() == nil {
		return nil
	}

	if d.allocCtx == nil || d.allocCtx.Err() != nil {
		d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	}
	d.tabCtx, d.tabCancel = chromedp.NewContext(d.allocCtx)

	// Confirm the process actually starts before relying on it.
	startCtx, cancel := context.WithTimeout(d.tabCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		d.teardownLocked()
		return &arena.AuthError{Reason: "browser failed to start", Err: err}
	}
	d.bootstrapped = false
	return nil
}

func (d *ChromeDriver) teardownLocked() {
	if d.tabCancel != nil {
		d.tabCancel()
		d.tabCtx, d.tabCancel = nil, nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCtx, d.allocCancel = nil, nil
	}
	d.bootstrapped = false
}

// Bootstrap establishes the authenticated session. Long timeout: challenge
// solving and the cookie grant can take minutes on a cold profile.
func (d *ChromeDriver) Bootstrap(ctx context.Context) error {
	release, err := d.gate.acquire(ctx, d.cfg.Browser.GateWait)
	if err != nil {
		return err
	}
	defer release()

	if d.state.is(StateClosed) || d.state.is(StateShuttingDown) {
		return &arena.AuthError{Reason: "driver is shut down"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bootstrapped && d.tabCtx != nil && d.tabCtx.Err() == nil {
		return nil
	}
	d.state.set(StateBootstrapping)

	if err := d.ensureContextsLocked(); err != nil {
		d.state.set(StateUninitialized)
		return err
	}

	bootCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.Browser.BootstrapTimeout)
	defer cancel()

	if err := d.bootstrapLocked(bootCtx); err != nil {
		var cfErr *arena.CloudflareError
		if errors.As(err, &cfErr) {
			d.state.set(StateDegraded)
		} else {
			d.state.set(StateUninitialized)
		}
		return err
	}

	d.bootstrapped = true
	d.state.set(StateReady)
	d.logger.Info("Browser session ready.",
		zap.String("user_agent", d.userAgent),
		zap.String("language", d.language),
	)
	return nil
}

// bootstrapLocked runs the page-level bootstrap sequence against an already
// launched tab. Caller holds d.mu and the gate.
func (d *ChromeDriver) bootstrapLocked(ctx context.Context) error {
	boot := d.bootURL()
	d.logger.Info("Bootstrapping arena page.", zap.String("url", boot))

	if err := chromedp.Run(ctx, chromedp.Navigate(boot)); err != nil {
		return &arena.AuthError{Reason: "navigation failed", Err: err}
	}

	if err := d.waitForJS(ctx, `document.querySelector("body:not(.no-js)")`, 3*time.Minute, "page hydration"); err != nil {
		// A block page never hydrates; check before reporting a plain timeout.
		if sig, blocked := d.detectBlockPage(ctx); blocked {
			return &arena.CloudflareError{URL: boot, Signature: sig}
		}
		return err
	}

	if sig, blocked := d.detectBlockPage(ctx); blocked {
		return &arena.CloudflareError{URL: boot, Signature: sig}
	}

	// Consent dialog and composer poke are best-effort: their absence is not
	// a failure, it usually means a warm profile already dealt with them.
	d.dismissConsent(ctx)
	d.pokeComposer(ctx)
	d.assistTurnstile(ctx)

	if err := d.waitForAuthCookie(ctx, 5*time.Minute); err != nil {
		return err
	}

	if err := d.waitForJS(ctx, "window.grecaptcha && window.grecaptcha.enterprise", 3*time.Minute, "grecaptcha.enterprise"); err != nil {
		return err
	}

	var ua, lang string
	if err := chromedp.Run(ctx, chromedp.Evaluate("window.navigator.userAgent", &ua)); err == nil {
		d.userAgent = ua
	}
	if err := chromedp.Run(ctx, chromedp.Evaluate("window.navigator.language", &lang)); err == nil {
		d.language = lang
	}
	return nil
}

// waitForJS polls until the expression is truthy or the bounded wait expires.
func (d *ChromeDriver) waitForJS(ctx context.Context, expr string, timeout time.Duration, label string) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var ok bool
		if err := chromedp.Run(waitCtx, chromedp.Evaluate(fmt.Sprintf("Boolean(%s)", expr), &ok)); err == nil && ok {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return &arena.AuthError{
				Reason: fmt.Sprintf("timed out waiting for %s", label),
				Err:    waitCtx.Err(),
			}
		case <-ticker.C:
		}
	}
}

func (d *ChromeDriver) detectBlockPage(ctx context.Context) (string, bool) {
	var html string
	evalCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(evalCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", false
	}
	return netgate.MatchBlockSignature(html)
}

func (d *ChromeDriver) dismissConsent(ctx context.Context) {
	const script = `(() => {
		const btn = [...document.querySelectorAll("button")]
			.find(b => /accept cookies/i.test(b.textContent || ""));
		if (btn) { btn.click(); return true; }
		return false;
	})()`
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		d.logger.Debug("Consent dismissal failed.", zap.Error(err))
		return
	}
	if clicked {
		d.logger.Debug("Dismissed consent dialog.")
		time.Sleep(time.Second)
	}
}

// pokeComposer types into the message textarea to trigger the client's lazy
// widget initialization.
func (d *ChromeDriver) pokeComposer(ctx context.Context) {
	pokeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(pokeCtx,
		chromedp.SendKeys(`textarea[name="message"]`, "Hello", chromedp.ByQuery),
	); err != nil {
		d.logger.Debug("Composer poke skipped.", zap.Error(err))
	}
	time.Sleep(time.Second)
}

// assistTurnstile click-assists the Turnstile widget. The widget renders in a
// closed iframe, so the only viable interaction is a trusted click at its
// screen coordinates, nudged diagonally until the box disappears.
func (d *ChromeDriver) assistTurnstile(ctx context.Context) {
	if has, _ := d.hasAuthCookie(ctx); has {
		return
	}

	const rectScript = `(() => {
		const el = document.getElementById("cf-turnstile")
			|| document.querySelector('[style="display: grid;"]');
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return {x: r.x, y: r.y};
	})()`

	for attempt := 0; attempt < 15; attempt++ {
		var rect struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		err := chromedp.Run(ctx, chromedp.Evaluate(rectScript, &rect))
		if err != nil || (rect.X == 0 && rect.Y == 0) {
			break
		}

		offset := float64(attempt * 3)
		if err := chromedp.Run(ctx, chromedp.MouseClickXY(rect.X+offset, rect.Y+offset)); err != nil {
			d.logger.Debug("Turnstile click failed.", zap.Error(err))
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
	d.logger.Debug("Turnstile assist finished.")
}

func (d *ChromeDriver) cookiesLocked(ctx context.Context) (map[string]string, error) {
	cookies := make(map[string]string)
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		all, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		host := originHost(d.cfg.Arena.Origin)
		for _, c := range all {
			if strings.Contains(c.Domain, host) || strings.Contains(host, strings.TrimPrefix(c.Domain, ".")) {
				cookies[c.Name] = c.Value
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

func originHost(origin string) string {
	host := strings.TrimPrefix(origin, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (d *ChromeDriver) hasAuthCookie(ctx context.Context) (bool, error) {
	cookies, err := d.cookiesLocked(ctx)
	if err != nil {
		return false, err
	}
	for name := range cookies {
		if strings.Contains(name, d.cfg.Arena.AuthCookieMarker) {
			return true, nil
		}
	}
	return false, nil
}

func (d *ChromeDriver) waitForAuthCookie(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if has, err := d.hasAuthCookie(waitCtx); err == nil && has {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return &arena.AuthError{
				Reason: fmt.Sprintf("auth cookie %q never appeared", d.cfg.Arena.AuthCookieMarker),
				Err:    waitCtx.Err(),
			}
		case <-ticker.C:
		}
	}
}

// Snapshot returns a copy of current cookies plus browser-shaped headers.
func (d *ChromeDriver) Snapshot(ctx context.Context) (Snapshot, error) {
	release, err := d.gate.acquire(ctx, d.cfg.Browser.GateWait)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil || d.tabCtx.Err() != nil {
		return Snapshot{}, &arena.AuthError{Reason: "no live browser session"}
	}

	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.Browser.OpTimeout)
	defer cancel()

	cookies, err := d.cookiesLocked(opCtx)
	if err != nil {
		return Snapshot{}, &arena.TransientError{Op: "cookie-snapshot", Err: err}
	}

	headers := make(map[string]string, len(baseHeaders)+3)
	for k, v := range baseHeaders {
		headers[k] = v
	}
	origin := strings.TrimRight(d.cfg.Arena.Origin, "/")
	headers["origin"] = origin
	headers["referer"] = origin + "/"
	if d.userAgent != "" {
		headers["user-agent"] = d.userAgent
	} else {
		headers["user-agent"] = fallbackUserAgent
	}
	if d.language != "" {
		headers["accept-language"] = d.language
	}

	return Snapshot{Cookies: cookies, Headers: headers, TakenAt: time.Now()}, nil
}

// purposeAction maps a token purpose onto the reCAPTCHA action string the
// site's widget expects.
func purposeAction(purpose arena.TokenPurpose) string {
	switch purpose {
	case arena.PurposeUpload:
		return "image_upload"
	default:
		return "chat_submit"
	}
}

// CaptchaToken mints a fresh enterprise reCAPTCHA token. Serialized; short
// timeout; failure is retryable without tearing the session down.
func (d *ChromeDriver) CaptchaToken(ctx context.Context, purpose arena.TokenPurpose) (string, error) {
	release, err := d.gate.acquire(ctx, d.cfg.Browser.GateWait)
	if err != nil {
		return "", err
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.bootstrapped || d.tabCtx == nil || d.tabCtx.Err() != nil {
		return "", &arena.AuthError{Reason: "session not bootstrapped"}
	}

	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.Browser.OpTimeout)
	defer cancel()

	script := fmt.Sprintf(`new Promise((resolve) => {
		window.grecaptcha.enterprise.ready(async () => {
			try {
				resolve(await window.grecaptcha.enterprise.execute(%q, { action: %q }));
			} catch (e) {
				resolve(null);
			}
		});
	});`, d.cfg.Arena.RecaptchaSiteKey, purposeAction(purpose))

	var token string
	err = chromedp.Run(opCtx, chromedp.Evaluate(script, &token,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return "", &arena.TransientError{Op: "captcha-token", Err: err}
	}
	if token == "" {
		return "", &arena.TransientError{Op: "captcha-token", Err: fmt.Errorf("widget returned empty token")}
	}
	return token, nil
}

// PageHTML returns the rendered markup of the live tab.
func (d *ChromeDriver) PageHTML(ctx context.Context) (string, error) {
	release, err := d.gate.acquire(ctx, d.cfg.Browser.GateWait)
	if err != nil {
		return "", err
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil || d.tabCtx.Err() != nil {
		return "", &arena.AuthError{Reason: "no live browser session"}
	}

	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.Browser.OpTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", &arena.TransientError{Op: "page-html", Err: err}
	}
	return html, nil
}

// Reload re-navigates the tab and marks the session degraded so the next
// Bootstrap call runs the full sequence again.
func (d *ChromeDriver) Reload(ctx context.Context) error {
	release, err := d.gate.acquire(ctx, d.cfg.Browser.GateWait)
	if err != nil {
		return err
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil || d.tabCtx.Err() != nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.Browser.OpTimeout)
	defer cancel()

	d.logger.Info("Reloading arena tab.", zap.String("url", d.bootURL()))
	if err := chromedp.Run(opCtx, chromedp.Navigate(d.bootURL())); err != nil {
		d.logger.Warn("Tab reload failed.", zap.Error(err))
	}
	d.bootstrapped = false
	d.state.set(StateDegraded)
	return nil
}

// Shutdown tears down the browser process. Idempotent; safe to call from a
// signal handler while operations are in flight (they fail fast once the
// contexts cancel).
func (d *ChromeDriver) Shutdown(ctx context.Context) error {
	if d.state.is(StateClosed) {
		return nil
	}
	d.state.set(StateShuttingDown)

	// Grab the gate briefly so no op is mid-flight, but never wedge shutdown
	// on a stuck operation.
	release, err := d.gate.acquire(ctx, 5*time.Second)
	if err == nil {
		defer release()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownLocked()
	d.state.set(StateClosed)
	d.logger.Info("Browser session closed.")
	return nil
}
