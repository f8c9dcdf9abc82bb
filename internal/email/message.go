package email

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// OutgoingMessage represents an email to be sent
type OutgoingMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
	ReplyTo     string
	InReplyTo   string
	References  []string
}

// Attachment represents an email attachment
type Attachment struct {
	Filename string
	Content  []byte
	MimeType string
}

// Recipients returns every envelope recipient, Bcc included.
func (m *OutgoingMessage) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Compose renders msg as RFC 5322 MIME and returns the bytes together with
// the generated Message-ID (without angle brackets).
func Compose(msg *OutgoingMessage, date time.Time) ([]byte, string, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, "", fmt.Errorf("at least one recipient is required")
	}

	var h mail.Header
	h.SetDate(date)
	h.SetSubject(msg.Subject)

	from, err := parseAddresses([]string{msg.From})
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address: %w", err)
	}
	h.SetAddressList("From", from)

	for _, field := range []struct {
		key  string
		list []string
	}{{"To", msg.To}, {"Cc", msg.Cc}, {"Reply-To", optional(msg.ReplyTo)}} {
		if len(field.list) == 0 {
			continue
		}
		addrs, err := parseAddresses(field.list)
		if err != nil {
			return nil, "", fmt.Errorf("invalid %s address: %w", field.key, err)
		}
		h.SetAddressList(field.key, addrs)
	}

	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{NormalizeMessageID(msg.InReplyTo)})
		refs := make([]string, 0, len(msg.References)+1)
		for _, r := range msg.References {
			refs = append(refs, NormalizeMessageID(r))
		}
		refs = append(refs, NormalizeMessageID(msg.InReplyTo))
		h.SetMsgIDList("References", refs)
	}

	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create inline part: %w", err)
	}
	if err := writeInline(tw, "text/plain", msg.BodyText); err != nil {
		return nil, "", err
	}
	if msg.BodyHTML != "" {
		if err := writeInline(tw, "text/html", msg.BodyHTML); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close inline part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		ah.Set("Content-Type", mimeType)
		ah.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := tw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func parseAddresses(list []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func optional(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
