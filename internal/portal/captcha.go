package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/chromedp/chromedp"
)

// ErrSiteKeyNotFound is returned when a page shows no captcha widget.
var ErrSiteKeyNotFound = errors.New("captcha site key not found on page")

// siteKeyScript looks for an hCaptcha or reCAPTCHA widget, first in the
// widget iframe URL and then in the data-sitekey attribute.
const siteKeyScript = `(() => {
  const frame = document.querySelector('iframe[src*="hcaptcha.com"], iframe[src*="recaptcha"]');
  if (frame) {
    const m = frame.src.match(/[?&#](?:sitekey|k)=([^&]+)/);
    if (m) return m[1];
  }
  const el = document.querySelector('[data-sitekey]');
  return el ? el.getAttribute('data-sitekey') : '';
})()`

var siteKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}$`)

// DetectSiteKey returns the captcha site key on the current page.
func DetectSiteKey(ctx context.Context) (string, error) {
	var key string
	if err := chromedp.Run(ctx, chromedp.Evaluate(siteKeyScript, &key)); err != nil {
		return "", fmt.Errorf("detect site key: %w", err)
	}
	if !siteKeyPattern.MatchString(key) {
		return "", ErrSiteKeyNotFound
	}
	return key, nil
}

// applyTokenScript fills every captcha response field with token.
func applyTokenScript(token string) (string, error) {
	quoted, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const token = %s;
  const fields = document.querySelectorAll(
    'textarea[name="h-captcha-response"], input[name="h-captcha-response"], textarea[name="g-recaptcha-response"]');
  fields.forEach(f => { f.value = token; });
  return fields.length;
})()`, quoted), nil
}

// SolveCaptcha detects the widget on the page behind ctx, waits for a human
// to solve it through helpers, and writes the token back into the form.
func SolveCaptcha(ctx context.Context, helpers Helpers) error {
	if helpers.SolveCaptcha == nil {
		return errors.New("captcha helper not configured")
	}
	siteKey, err := DetectSiteKey(ctx)
	if err != nil {
		return err
	}
	var pageURL string
	if err := chromedp.Run(ctx, chromedp.Location(&pageURL)); err != nil {
		return fmt.Errorf("read page url: %w", err)
	}
	token, err := helpers.SolveCaptcha(ctx, siteKey, pageURL)
	if err != nil {
		return err
	}
	script, err := applyTokenScript(token)
	if err != nil {
		return err
	}
	var filled int
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &filled)); err != nil {
		return fmt.Errorf("apply captcha token: %w", err)
	}
	if filled == 0 {
		return errors.New("no captcha response field to fill")
	}
	return nil
}
