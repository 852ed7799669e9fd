package mailbox

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

// FetchMessages searches the inbox and returns the messages carrying
// at least one attachment that looks like a DMARC report. When
// unreadOnly is set only unseen messages are searched. limit keeps
// the most recent n matches, 0 means all. The mailbox is opened
// read-only and bodies are peeked, fetching never mutates any flags.
func (c *Client) FetchMessages(ctx context.Context, unreadOnly bool, limit int) ([]Message, error) {
	sess, err := c.ready()
	if err != nil {
		return nil, err
	}

	mbox, err := sess.Select(inboxFolder, true)
	if err != nil {
		return nil, fmt.Errorf("could not select %s: %w", inboxFolder, err)
	}
	c.logger.Debug("opened inbox", "messages", mbox.Messages, "unseen", mbox.Unseen)

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	if unreadOnly {
		criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
	}
	uids, err := sess.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search for mails: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// uids come back in mailbox order, keep the most recent ones
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- sess.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		if ctx.Err() != nil {
			continue // drain the channel so the fetch goroutine exits
		}
		m, err := c.parseMessage(msg, section)
		if err != nil {
			c.logger.Error("could not parse message", "uid", msg.Uid, "err", err)
			continue
		}
		if len(m.Attachments) > 0 {
			messages = append(messages, *m)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("error on fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.logger.Debug("fetched messages", "candidates", len(uids), "with_reports", len(messages))
	return messages, nil
}

// parseMessage extracts the envelope fields and every attachment
// matching the report predicate. Inline parts carrying archive magic
// bytes are salvaged too, some reporters send the payload that way.
func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	out := &Message{UID: msg.Uid, Date: msg.InternalDate}
	if env := msg.Envelope; env != nil {
		out.Subject = env.Subject
		if !env.Date.IsZero() {
			out.Date = env.Date
		}
		if len(env.From) > 0 {
			out.From = env.From[0].Address()
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("server did not return message body")
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create mail reader: %w", err)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("could not get next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil {
				return nil, fmt.Errorf("could not get attachment filename: %w", err)
			}
			contentType, _, err := h.ContentType()
			if err != nil {
				return nil, fmt.Errorf("could not get attachment content type: %w", err)
			}
			if !c.isReport(filename, contentType) {
				c.logger.Debug("skipping attachment", "filename", filename, "content_type", contentType)
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("could not read attachment: %w", err)
			}
			out.Attachments = append(out.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     b,
			})
		case *mail.InlineHeader:
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("could not read inline part: %w", err)
			}
			// archive magic bytes beat any header heuristic
			if !looksLikeArchive(b) {
				continue
			}
			contentType, _, _ := h.ContentType()
			filename := "inline-report"
			if _, params, err := h.ContentDisposition(); err == nil {
				if name, ok := params["filename"]; ok {
					filename = name
				}
			}
			c.logger.Debug("found inline attachment", "filename", filename)
			out.Attachments = append(out.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     b,
			})
		}
	}
	return out, nil
}
