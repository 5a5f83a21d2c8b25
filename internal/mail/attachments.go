package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"ferrysync/internal/fault"
	"ferrysync/internal/gtfs"
	"ferrysync/internal/metrics"
	"ferrysync/internal/model"
)

// FetchAttachments downloads message uid and writes its named parts into saveDir.
// With jsonOnly set, parts whose name does not end in ".json" are skipped.
// Parts with empty content are skipped. A part that cannot be written is logged
// and the remaining parts are still processed.
func (c *Client) FetchAttachments(ctx context.Context, uid uint32, saveDir string, jsonOnly bool) ([]model.Attachment, error) {
	if saveDir == "" {
		saveDir = os.TempDir()
	}

	var raw []byte
	err := c.withSession(ctx, "fetch", func(s Session) error {
		var err error
		raw, err = fetchRaw(s, uid)
		return err
	})
	if err != nil {
		return nil, err
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.New(fault.ParseFailed, fmt.Sprintf("parse message %d", uid), err)
	}
	for _, perr := range env.Errors {
		c.log.Debug("message part problem", "uid", uid, "error", perr.Error())
	}
	c.log.Info("processing message", "uid", uid, "from", env.GetHeader("From"), "subject", env.GetHeader("Subject"))

	var saved []model.Attachment
	for _, part := range namedParts(env) {
		name := c.decodeName(part.FileName)

		if jsonOnly && !strings.EqualFold(filepath.Ext(name), gtfs.Extension) {
			c.log.Info("skipping non-JSON attachment", "uid", uid, "file", name)
			continue
		}
		if len(part.Content) == 0 {
			c.log.Warn("empty attachment payload", "uid", uid, "file", name)
			continue
		}

		savedAt := c.now()
		path, err := gtfs.SaveUpdate(saveDir, savedAt, name, part.Content)
		if err != nil {
			c.log.Error("saving attachment", "uid", uid, "file", name, "error", err)
			continue
		}

		metrics.AttachmentsSaved.Inc()
		c.log.Info("saved attachment", "uid", uid, "path", path)
		saved = append(saved, model.Attachment{
			MessageUID:  uid,
			Path:        path,
			FileName:    name,
			ContentType: part.ContentType,
			SavedAt:     savedAt,
		})
	}
	return saved, nil
}

func fetchRaw(s Session, uid uint32) ([]byte, error) {
	set := new(imap.SeqSet)
	set.AddNum(uid)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.UidFetch(set, items, ch)
	}()

	var raw []byte
	for msg := range ch {
		if msg == nil || raw != nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		b, err := io.ReadAll(r)
		if err != nil {
			// Keep draining so the fetch goroutine can finish.
			continue
		}
		raw = b
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d has no body", uid)
	}
	return raw, nil
}

func namedParts(env *enmime.Envelope) []*enmime.Part {
	var parts []*enmime.Part
	for _, group := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, p := range group {
			if p.FileName != "" {
				parts = append(parts, p)
			}
		}
	}
	return parts
}

// decodeName returns the display name of a part. Names that still carry encoded
// words are decoded again; undecodable names get a generated fallback.
func (c *Client) decodeName(name string) string {
	if !strings.Contains(name, "=?") {
		return name
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(name)
	if err != nil {
		c.log.Warn("decoding attachment name", "name", name, "error", err)
		return "attachment_" + c.now().Format("20060102150405") + gtfs.Extension
	}
	return decoded
}
