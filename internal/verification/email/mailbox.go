package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is the slice of a mail the poller cares about.
type Message struct {
	UID      uint32
	Subject  string
	From     string
	Received time.Time
	HTML     string
	Text     string
}

// Mailbox is an open mailbox session.
type Mailbox interface {
	// Search returns unread messages received on or after since. Servers
	// compare dates at day granularity so callers filter further.
	Search(ctx context.Context, since time.Time) ([]Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// Dialer opens a Mailbox session.
type Dialer func(ctx context.Context) (Mailbox, error)

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	UseTLS   bool
	Timeout  time.Duration
}

// IMAPDialer returns a Dialer that logs into an IMAP server and selects the
// configured mailbox.
func IMAPDialer(cfg IMAPConfig) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		if cfg.Host == "" {
			return nil, errors.New("imap host is required")
		}
		port := cfg.Port
		if port == 0 {
			port = 993
		}
		mailbox := cfg.Mailbox
		if mailbox == "" {
			mailbox = "INBOX"
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

		dialer := &net.Dialer{Timeout: cfg.Timeout}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.Deadline = deadline
		}
		var (
			c   *client.Client
			err error
		)
		if cfg.UseTLS {
			c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12})
		} else {
			c, err = client.DialWithDialer(dialer, addr)
		}
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", addr, err)
		}
		if err := c.Login(cfg.Username, cfg.Password); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("imap login: %w", err)
		}
		if _, err := c.Select(mailbox, false); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("select %s: %w", mailbox, err)
		}
		return &imapMailbox{client: c}, nil
	}
}

type imapMailbox struct {
	client *client.Client
}

func (m *imapMailbox) Search(_ context.Context, since time.Time) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	// Peek keeps the fetch from flagging every candidate as read.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	raw := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, raw)
	}()

	out := make([]Message, 0, len(uids))
	var parseErr error
	for msg := range raw {
		parsed, err := parseMessage(msg, section)
		if err != nil {
			parseErr = errors.Join(parseErr, err)
			continue
		}
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	if len(out) == 0 && parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, uid uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("mark %d seen: %w", uid, err)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	return m.client.Logout()
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	if msg == nil {
		return Message{}, errors.New("nil message")
	}
	out := Message{UID: msg.Uid, Received: msg.InternalDate}
	if env := msg.Envelope; env != nil {
		out.Subject = env.Subject
		if len(env.From) > 0 && env.From[0] != nil {
			out.From = env.From[0].Address()
		}
		if out.Received.IsZero() {
			out.Received = env.Date
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return out, nil
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("read message %d: %w", msg.Uid, err)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("read part of %d: %w", msg.Uid, err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return Message{}, fmt.Errorf("read body of %d: %w", msg.Uid, err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/html"):
			out.HTML = string(b)
		case strings.HasPrefix(contentType, "text/plain"), contentType == "":
			out.Text = string(b)
		}
	}
	return out, nil
}
