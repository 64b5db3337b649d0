package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// Prep normalizes a document's path/id and dispatches the semantic
// operation to Merge through the Engine's single consumer (spec.md
// section 2: "Prep (thin): normalizes paths and dispatches a semantic
// operation to Merge"). Every method takes an explicit side so both the
// LocalWatcher and a symmetric remote producer can share one Prep bound
// to one Engine (spec.md section 6).
type Prep struct {
	engine *Engine
}

// NewPrep constructs a Prep bound to engine.
func NewPrep(engine *Engine) *Prep {
	return &Prep{engine: engine}
}

// normalize ensures doc.Path uses "/" separators and doc.ID is the
// canonical derivation of that path, regardless of what the producer set
// — Prep's normalization responsibility must not depend on the producer
// having done it correctly.
func normalize(doc *metadata.Document) {
	if doc == nil {
		return
	}
	doc.Path = filepath.ToSlash(doc.Path)
	doc.ID = docid.New(doc.Path)
}

func (p *Prep) AddFile(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	normalize(doc)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.AddFile(ctx, side, doc)
	})
}

func (p *Prep) UpdateFile(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	normalize(doc)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.UpdateFile(ctx, side, doc)
	})
}

func (p *Prep) PutFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	normalize(doc)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.PutFolder(ctx, side, doc)
	})
}

func (p *Prep) MoveFile(ctx context.Context, side metadata.Side, doc, was *metadata.Document) (*metadata.Document, error) {
	normalize(doc)
	normalize(was)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.MoveFile(ctx, side, doc, was)
	})
}

func (p *Prep) MoveFolder(ctx context.Context, side metadata.Side, doc, was *metadata.Document) (*metadata.Document, error) {
	normalize(doc)
	normalize(was)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.MoveFolder(ctx, side, doc, was)
	})
}

func (p *Prep) DeleteFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	normalize(doc)
	_, err := p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return nil, p.engine.merge.DeleteFile(ctx, side, doc)
	})
	return err
}

func (p *Prep) DeleteFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	normalize(doc)
	_, err := p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return nil, p.engine.merge.DeleteFolder(ctx, side, doc)
	})
	return err
}

// DeleteDoc dispatches to DeleteFile or DeleteFolder based on doc.Type —
// the generic entry point spec.md section 6 names for the remote producer.
// The LocalWatcher does not use it: its initial-scan sweep calls
// DeleteFile or DeleteFolder directly.
func (p *Prep) DeleteDoc(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	switch doc.Type {
	case metadata.DocTypeFolder:
		return p.DeleteFolder(ctx, side, doc)
	case metadata.DocTypeFile:
		return p.DeleteFile(ctx, side, doc)
	default:
		return fmt.Errorf("engine: deleteDoc %s: unknown document type %q", doc.ID, doc.Type)
	}
}

func (p *Prep) TrashFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	normalize(doc)
	_, err := p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return nil, p.engine.merge.TrashFile(ctx, side, doc)
	})
	return err
}

func (p *Prep) TrashFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	normalize(doc)
	_, err := p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return nil, p.engine.merge.TrashFolder(ctx, side, doc)
	})
	return err
}

func (p *Prep) RestoreFile(ctx context.Context, side metadata.Side, was, doc *metadata.Document) (*metadata.Document, error) {
	normalize(was)
	normalize(doc)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.RestoreFile(ctx, side, was, doc)
	})
}

func (p *Prep) RestoreFolder(ctx context.Context, side metadata.Side, was, doc *metadata.Document) (*metadata.Document, error) {
	normalize(was)
	normalize(doc)
	return p.engine.submit(ctx, func(ctx context.Context) (*metadata.Document, error) {
		return p.engine.merge.RestoreFolder(ctx, side, was, doc)
	})
}
