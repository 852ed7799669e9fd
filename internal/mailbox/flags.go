package mailbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-imap"
)

// https://en.wikipedia.org/wiki/List_of_file_signatures
var archiveMagicTable = [][]byte{
	{0x1f, 0x8b},             // .gz
	{0x50, 0x4b, 0x03, 0x04}, // .zip
	{0x50, 0x4b, 0x05, 0x06}, // .zip
	{0x50, 0x4b, 0x07, 0x08}, // .zip
}

func looksLikeArchive(content []byte) bool {
	for _, magic := range archiveMagicTable {
		if bytes.HasPrefix(content, magic) {
			return true
		}
	}
	return false
}

// MarkMessagesRead adds the Seen flag to the given messages. The
// operation is idempotent, flagging an already seen message is a
// no-op on the server.
func (c *Client) MarkMessagesRead(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := c.ready()
	if err != nil {
		return err
	}

	if _, err := sess.Select(inboxFolder, false); err != nil {
		return fmt.Errorf("could not select %s: %w", inboxFolder, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := sess.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("could not set seen flag: %w", err)
	}
	c.logger.Debug("marked messages as read", "count", len(uids))
	return nil
}

// MoveMessagesToArchive moves the given messages into the configured
// archive mailbox, creating it on first use. Archive trouble is
// best-effort territory, ingestion already happened, so on failure to
// verify the mailbox we fall back to marking the messages read.
func (c *Client) MoveMessagesToArchive(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := c.ready()
	if err != nil {
		return err
	}

	if err := c.ensureArchiveFolder(sess); err != nil {
		c.logger.Warn("archive mailbox unavailable, marking messages read instead",
			"folder", c.archiveFolder, "err", err)
		return c.MarkMessagesRead(ctx, uids)
	}

	if _, err := sess.Select(inboxFolder, false); err != nil {
		return fmt.Errorf("could not select %s: %w", inboxFolder, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := sess.UidMove(seqset, c.archiveFolder); err != nil {
		return fmt.Errorf("could not move messages to %s: %w", c.archiveFolder, err)
	}
	c.logger.Debug("archived messages", "count", len(uids), "folder", c.archiveFolder)
	return nil
}

// ensureArchiveFolder creates the archive mailbox if it does not
// exist yet. The verification result is cached per connector
// instance.
func (c *Client) ensureArchiveFolder(sess session) error {
	c.mu.Lock()
	verified := c.archiveVerified
	c.mu.Unlock()
	if verified {
		return nil
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- sess.List("", c.archiveFolder, mailboxes)
	}()

	exists := false
	for m := range mailboxes {
		if m.Name == c.archiveFolder {
			exists = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("could not list mailboxes: %w", err)
	}

	if !exists {
		if err := sess.Create(c.archiveFolder); err != nil {
			return fmt.Errorf("could not create mailbox %s: %w", c.archiveFolder, err)
		}
		c.logger.Info("created archive mailbox", "folder", c.archiveFolder)
	}

	c.mu.Lock()
	c.archiveVerified = true
	c.mu.Unlock()
	return nil
}
