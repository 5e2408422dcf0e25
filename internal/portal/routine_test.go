package portal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/JakeFAU/portal-extractor/internal/browser"
	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

func TestUnconfiguredRoutine(t *testing.T) {
	t.Parallel()

	_, err := Unconfigured{}.Run(context.Background(), nil, extractor.JobRequest{}, Helpers{})
	if !errors.Is(err, ErrRoutineNotConfigured) {
		t.Fatalf("expected ErrRoutineNotConfigured, got %v", err)
	}
}

func TestRoutineFunc(t *testing.T) {
	t.Parallel()

	var r Routine = RoutineFunc(func(_ context.Context, _ *browser.Session, req extractor.JobRequest, _ Helpers) ([]extractor.Document, error) {
		return []extractor.Document{{ReferenceMonth: req.ReferenceMonths[0]}}, nil
	})
	docs, err := r.Run(context.Background(), nil, extractor.JobRequest{ReferenceMonths: []string{"01/2025"}}, Helpers{})
	if err != nil || len(docs) != 1 || docs[0].ReferenceMonth != "01/2025" {
		t.Fatalf("unexpected result %+v, %v", docs, err)
	}
}

func TestApplyTokenScriptQuotesToken(t *testing.T) {
	t.Parallel()

	script, err := applyTokenScript(`tok"en</script>`)
	if err != nil {
		t.Fatalf("applyTokenScript() error = %v", err)
	}
	if !strings.Contains(script, `const token = "tok\"en\u003c/script\u003e";`) {
		t.Fatalf("token not safely embedded:\n%s", script)
	}
}

func TestSiteKeyPattern(t *testing.T) {
	t.Parallel()

	for key, want := range map[string]bool{
		"10000000-ffff-ffff-ffff-000000000001": true,
		"6LeIxAcTAAAAAJcZVRqyHh71UMIEGNQ_MXjiZKhI": true,
		"":      false,
		"short": false,
		"bad key with spaces": false,
	} {
		if got := siteKeyPattern.MatchString(key); got != want {
			t.Fatalf("siteKeyPattern(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestSolveCaptchaRequiresHelper(t *testing.T) {
	t.Parallel()

	if err := SolveCaptcha(context.Background(), Helpers{}); err == nil {
		t.Fatal("expected error without captcha helper")
	}
}
