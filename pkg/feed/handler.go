package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/nse-client/pkg/tracker"
)

// Handler processes one new record. A nil return marks the record
// processed; an error leaves it for the next poll.
type Handler func(ctx context.Context, rec tracker.Record) error

// Chain runs handlers in order and stops at the first error.
func Chain(handlers ...Handler) Handler {
	return func(ctx context.Context, rec tracker.Record) error {
		for _, h := range handlers {
			if err := h(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}
}

// Downloader fetches a URL to a local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// AttachmentHandler downloads each record's attachment under
// dir/<natural key>/<unique id><ext>. Records without an attachment and
// files already on disk are skipped.
func AttachmentHandler(d Downloader, dir string) Handler {
	return func(ctx context.Context, rec tracker.Record) error {
		if rec.AttachmentURL == "" {
			return nil
		}

		dest := AttachmentPath(dir, rec)
		if _, err := os.Stat(dest); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat attachment: %w", err)
		}

		if _, err := d.Download(ctx, rec.AttachmentURL, dest); err != nil {
			return fmt.Errorf("download attachment for %s: %w", tracker.UniqueID(rec), err)
		}
		return nil
	}
}

// AttachmentPath is where AttachmentHandler stores rec's attachment.
func AttachmentPath(dir string, rec tracker.Record) string {
	return filepath.Join(dir, rec.NaturalKey(), tracker.UniqueID(rec)+attachmentExt(rec.AttachmentURL))
}

func attachmentExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 6 {
		return ".bin"
	}
	return ext
}
