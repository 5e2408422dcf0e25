package email

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const portalHTML = `<p>Ol&aacute;!</p><p>Seu c&oacute;digo de valida&ccedil;&atilde;o &eacute;:</p>
<div><span style="font-size:24px;font-weight:bold">
  482913
</span></div>`

type fakeMailbox struct {
	mu       sync.Mutex
	messages []Message
	seen     map[uint32]bool
	sinces   []time.Time
	closed   bool
	err      error
}

func (f *fakeMailbox) Search(_ context.Context, since time.Time) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	var out []Message
	for _, m := range f.messages {
		if !f.seen[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMailbox) MarkSeen(_ context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[uint32]bool{}
	}
	f.seen[uid] = true
	return nil
}

func (f *fakeMailbox) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMailbox) add(m Message) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
}

func dialerFor(box *fakeMailbox) Dialer {
	return func(context.Context) (Mailbox, error) { return box, nil }
}

func newTestPoller(t *testing.T, box *fakeMailbox, cfg Config) *Poller {
	t.Helper()
	ex, err := NewExtractor("")
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return NewPoller(dialerFor(box), ex, cfg, zap.NewNop())
}

func TestWaitForCodePicksMostRecentTaggedMessage(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	box := &fakeMailbox{messages: []Message{
		{UID: 1, Subject: "ENEL - Código", Received: since.Add(time.Minute), HTML: portalHTML},
		{UID: 2, Subject: "Newsletter", Received: since.Add(3 * time.Minute), Text: "código de validação: 111111"},
		{UID: 3, Subject: "ENEL - Código", Received: since.Add(2 * time.Minute), HTML: `Seu c&oacute;digo de valida&ccedil;&atilde;o &eacute;: <span>735102</span>`},
	}}
	p := newTestPoller(t, box, Config{})

	code, ok, err := p.WaitForCode(context.Background(), time.Second, since)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "735102", code)
	require.True(t, box.seen[3])
	require.False(t, box.seen[1], "only the consumed message is marked")
	require.True(t, box.closed)
}

func TestWaitForCodeIgnoresMessagesBeforeSince(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	box := &fakeMailbox{messages: []Message{
		{UID: 1, Subject: "ENEL", Received: since.Add(-2 * time.Hour), HTML: portalHTML},
		{UID: 2, Subject: "ENEL", Received: since.Add(-20 * time.Minute), HTML: portalHTML},
	}}
	p := newTestPoller(t, box, Config{SinceMargin: time.Hour})

	code, ok, err := p.WaitForCode(context.Background(), 60*time.Millisecond, since)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, code)
	require.Empty(t, box.seen, "pre-marker messages stay unread")
	require.Equal(t, since.Add(-time.Hour), box.sinces[0], "margin only widens the server search")
}

func TestWaitForCodeAcceptsMessageAfterSince(t *testing.T) {
	t.Parallel()

	since := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	box := &fakeMailbox{messages: []Message{
		{UID: 1, Subject: "ENEL", Received: since.Add(-30 * time.Minute), HTML: portalHTML},
	}}
	p := newTestPoller(t, box, Config{SinceMargin: time.Hour})

	go func() {
		time.Sleep(30 * time.Millisecond)
		box.add(Message{UID: 2, Subject: "ENEL", Received: since.Add(time.Minute), HTML: `Seu c&oacute;digo de valida&ccedil;&atilde;o &eacute;:<span>900100</span>`})
	}()

	code, ok, err := p.WaitForCode(context.Background(), time.Second, since)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "900100", code)
	require.False(t, box.seen[1])
	require.True(t, box.seen[2])
}

func TestWaitForCodeZeroSinceUsesMargin(t *testing.T) {
	t.Parallel()

	now := time.Now()
	box := &fakeMailbox{messages: []Message{
		{UID: 1, Subject: "ENEL", Received: now.Add(-3 * time.Hour), HTML: portalHTML},
		{UID: 2, Subject: "ENEL", Received: now.Add(-10 * time.Minute), HTML: `Seu c&oacute;digo de valida&ccedil;&atilde;o &eacute;:<span>313131</span>`},
	}}
	p := newTestPoller(t, box, Config{SinceMargin: time.Hour})

	code, ok, err := p.WaitForCode(context.Background(), time.Second, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "313131", code)
	require.False(t, box.seen[1])
}

func TestWaitForCodeFromFilter(t *testing.T) {
	t.Parallel()

	box := &fakeMailbox{messages: []Message{
		{UID: 1, Subject: "ENEL", From: "phish@example.com", HTML: portalHTML},
	}}
	p := newTestPoller(t, box, Config{From: "noreply@enel.com"})

	_, ok, err := p.WaitForCode(context.Background(), 40*time.Millisecond, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaitForCodeTimeout(t *testing.T) {
	t.Parallel()

	box := &fakeMailbox{}
	p := newTestPoller(t, box, Config{})
	code, ok, err := p.WaitForCode(context.Background(), 40*time.Millisecond, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, code)
	require.True(t, box.closed)
}

func TestWaitForCodeConnectionFailure(t *testing.T) {
	t.Parallel()

	ex, err := NewExtractor("")
	require.NoError(t, err)
	dialErr := errors.New("connection refused")
	p := NewPoller(func(context.Context) (Mailbox, error) { return nil, dialErr }, ex, Config{}, nil)

	_, _, err = p.WaitForCode(context.Background(), time.Second, time.Now())
	require.ErrorIs(t, err, dialErr)
}

func TestWaitForCodeSearchFailure(t *testing.T) {
	t.Parallel()

	searchErr := errors.New("BYE")
	box := &fakeMailbox{err: searchErr}
	p := newTestPoller(t, box, Config{})

	_, _, err := p.WaitForCode(context.Background(), time.Second, time.Now())
	require.ErrorIs(t, err, searchErr)
	require.True(t, box.closed)
}

func TestExtractor(t *testing.T) {
	t.Parallel()

	ex, err := NewExtractor("")
	require.NoError(t, err)

	require.Equal(t, "482913", ex.Extract(portalHTML))
	require.Equal(t, "552211", ex.Extract("Seu código de validação é: 552211"))
	require.Empty(t, ex.Extract("Sua fatura de 2025 está disponível"))

	custom, err := NewExtractor(`PIN (\d+)`)
	require.NoError(t, err)
	require.Equal(t, "9876", custom.Extract("your PIN 9876"))

	_, err = NewExtractor(`\d+`)
	require.Error(t, err, "pattern without a capture group")
	_, err = NewExtractor(`(`)
	require.Error(t, err)
}
