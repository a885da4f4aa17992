package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrNotBounce is returned for messages that carry no failed recipient.
var ErrNotBounce = errors.New("message is not a delivery status notification")

const campaignHeader = "X-Campaign-Id"

// Bounce is what the worker extracts from one delivery status notification.
type Bounce struct {
	Recipient  string
	CampaignID string
	Reason     string
	// Delayed is set for "Action: delayed" reports; the address goes to the
	// pending bucket instead of the failed one.
	Delayed bool
}

// ParseBounce reads a raw RFC 5322 message. The recipient comes from
// X-Failed-Recipients or the Final-Recipient field of the
// message/delivery-status part, the campaign from the X-Campaign-Id header of
// the returned original.
func ParseBounce(r io.Reader) (*Bounce, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	b := &Bounce{
		Recipient:  firstAddress(mr.Header.Get("X-Failed-Recipients")),
		CampaignID: mr.Header.Get(campaignHeader),
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		var contentType string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}

		switch strings.ToLower(contentType) {
		case "message/delivery-status":
			if err := b.readStatus(p.Body); err != nil {
				return nil, err
			}
		case "message/rfc822", "text/rfc822-headers", "message/rfc822-headers":
			// header-only parts may lack the terminating blank line
			h, err := textproto.ReadHeader(bufio.NewReader(io.MultiReader(p.Body, strings.NewReader("\r\n\r\n"))))
			if err != nil {
				continue
			}
			if cid := h.Get(campaignHeader); cid != "" && b.CampaignID == "" {
				b.CampaignID = cid
			}
		}
	}

	if b.Recipient == "" {
		return nil, ErrNotBounce
	}
	if b.Reason == "" {
		b.Reason = "bounce"
	}
	b.CampaignID = strings.TrimSpace(b.CampaignID)
	return b, nil
}

// readStatus scans the per-recipient blocks of a message/delivery-status
// body. The block matching the recipient already known from
// X-Failed-Recipients wins, otherwise the first recipient block is used.
func (b *Bounce) readStatus(body io.Reader) error {
	var blocks []map[string]string
	current := map[string]string{}
	flush := func() {
		if current["recipient"] != "" {
			blocks = append(blocks, current)
		}
		current = map[string]string{}
	}

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch field := strings.ToLower(strings.TrimSpace(key)); field {
		case "final-recipient", "original-recipient":
			if current["recipient"] == "" {
				current["recipient"] = firstAddress(stripAddressType(value))
			}
		case "action", "status", "diagnostic-code":
			if current[field] == "" {
				current[field] = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read delivery status: %w", err)
	}
	flush()

	if len(blocks) == 0 {
		return nil
	}
	block := blocks[0]
	for _, candidate := range blocks {
		if b.Recipient != "" && strings.EqualFold(candidate["recipient"], b.Recipient) {
			block = candidate
			break
		}
	}

	if b.Recipient == "" {
		b.Recipient = block["recipient"]
	}
	b.Delayed = strings.EqualFold(block["action"], "delayed")
	switch {
	case block["diagnostic-code"] != "":
		b.Reason = stripAddressType(block["diagnostic-code"])
	case block["status"] != "":
		b.Reason = "status " + block["status"]
	}
	return nil
}

// stripAddressType drops the "rfc822;" or "smtp;" prefix of DSN fields.
func stripAddressType(v string) string {
	if _, rest, ok := strings.Cut(v, ";"); ok {
		return strings.TrimSpace(rest)
	}
	return v
}

func firstAddress(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.Trim(strings.TrimSpace(first), "<>")
}
