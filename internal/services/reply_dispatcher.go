package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// ReplyRequest describes the reply to one original message
type ReplyRequest struct {
	MessageID  string // provider id of the original message
	ThreadID   string
	From       string // optional, the account address
	To         string // original sender
	Subject    string // original subject
	Body       string
	InReplyTo  string // original Message-ID header
	References string // original References header
}

// ReplyDispatcher composes and sends threaded replies
type ReplyDispatcher struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewReplyDispatcher creates a reply dispatcher
func NewReplyDispatcher(logger *slog.Logger) *ReplyDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyDispatcher{now: time.Now, logger: logger}
}

// ComposeReply renders the RFC 5322 reply
func (d *ReplyDispatcher) ComposeReply(req ReplyRequest) ([]byte, error) {
	to, err := mail.ParseAddress(req.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", req.To, err)
	}

	var h mail.Header
	h.SetDate(d.now())
	h.SetAddressList("To", []*mail.Address{to})
	if strings.TrimSpace(req.From) != "" {
		from, err := mail.ParseAddress(req.From)
		if err != nil {
			return nil, fmt.Errorf("invalid sender %q: %w", req.From, err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}
	h.SetSubject("Re: " + req.Subject)

	if id := trimMsgID(req.InReplyTo); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		refs := parseMsgIDs(req.References)
		if len(refs) == 0 || refs[len(refs)-1] != id {
			refs = append(refs, id)
		}
		h.SetMsgIDList("References", refs)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create reply writer: %w", err)
	}
	if _, err := io.WriteString(w, req.Body); err != nil {
		return nil, fmt.Errorf("write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close reply writer: %w", err)
	}
	return buf.Bytes(), nil
}

// SendReply sends one reply inside the original thread. It is never retried:
// a lost response could otherwise produce a second reply.
func (d *ReplyDispatcher) SendReply(ctx context.Context, mailbox Mailbox, req ReplyRequest) error {
	raw, err := d.ComposeReply(req)
	if err != nil {
		return fmt.Errorf("%w: compose reply to %s: %w", ErrProvider, req.MessageID, err)
	}
	sentID, err := mailbox.SendMessage(ctx, raw, req.ThreadID)
	if err != nil {
		return fmt.Errorf("%w: send reply to %s: %w", ErrProvider, req.MessageID, err)
	}
	d.logger.DebugContext(ctx, "reply dispatched",
		slog.String("message_id", req.MessageID),
		slog.String("thread_id", req.ThreadID),
		slog.String("sent_id", sentID))
	return nil
}

func trimMsgID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	return strings.TrimSuffix(s, ">")
}

func parseMsgIDs(s string) []string {
	var out []string
	for _, f := range strings.Fields(s) {
		if id := trimMsgID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}
