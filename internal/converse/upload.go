package converse

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxParallelUploads = 4

// Attachment is a local file to send along with a message.
type Attachment struct {
	Name string
	Path string
}

// Uploader stores an attachment out of band and returns its handle.
type Uploader interface {
	Upload(ctx context.Context, a Attachment) (string, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, a Attachment) (string, error)

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, a Attachment) (string, error) {
	return f(ctx, a)
}

// uploadAll uploads attachments concurrently. Handles keep the attachment
// order. The first failure cancels the rest.
func uploadAll(ctx context.Context, up Uploader, attachments []Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if up == nil {
		return nil, fmt.Errorf("no uploader configured for %d attachment(s)", len(attachments))
	}

	ids := make([]string, len(attachments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for i, a := range attachments {
		g.Go(func() error {
			id, err := up.Upload(gctx, a)
			if err != nil {
				return fmt.Errorf("upload %s: %w", a.Name, err)
			}
			ids[i] = strings.TrimSpace(id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// withFileIDs appends the upload tag the server strips back out.
func withFileIDs(text string, ids []string) string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return text
	}
	return fmt.Sprintf("%s\n\n[Uploaded file IDs: %s]", text, strings.Join(kept, ","))
}
