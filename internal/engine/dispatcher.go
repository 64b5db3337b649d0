package engine

import (
	"context"

	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// LocalDispatcher adapts a side-parameterized Prep into the narrower
// localwatcher.Dispatcher interface with side permanently bound to
// "local" — the LocalWatcher only ever observes the local filesystem
// (spec.md section 6, "symmetric remote producer... with side = remote").
type LocalDispatcher struct {
	prep *Prep
}

// NewLocalDispatcher constructs a LocalDispatcher bound to prep.
func NewLocalDispatcher(prep *Prep) *LocalDispatcher {
	return &LocalDispatcher{prep: prep}
}

func (d *LocalDispatcher) AddFile(ctx context.Context, doc *metadata.Document) error {
	_, err := d.prep.AddFile(ctx, metadata.SideLocal, doc)
	return err
}

func (d *LocalDispatcher) UpdateFile(ctx context.Context, doc *metadata.Document) error {
	_, err := d.prep.UpdateFile(ctx, metadata.SideLocal, doc)
	return err
}

func (d *LocalDispatcher) PutFolder(ctx context.Context, doc *metadata.Document) error {
	_, err := d.prep.PutFolder(ctx, metadata.SideLocal, doc)
	return err
}

func (d *LocalDispatcher) MoveFile(ctx context.Context, doc, was *metadata.Document) error {
	_, err := d.prep.MoveFile(ctx, metadata.SideLocal, doc, was)
	return err
}

func (d *LocalDispatcher) MoveFolder(ctx context.Context, doc, was *metadata.Document) error {
	_, err := d.prep.MoveFolder(ctx, metadata.SideLocal, doc, was)
	return err
}

func (d *LocalDispatcher) DeleteFile(ctx context.Context, doc *metadata.Document) error {
	return d.prep.DeleteFile(ctx, metadata.SideLocal, doc)
}

func (d *LocalDispatcher) DeleteFolder(ctx context.Context, doc *metadata.Document) error {
	return d.prep.DeleteFolder(ctx, metadata.SideLocal, doc)
}
