// Package events persists published attestations to the SQLite workspace.
package events

import (
	"context"
	"fmt"

	"registrar/internal/domain"
	"registrar/internal/repo"
)

// Writer is the attestation sink backed by the workspace database. It is
// also the source app.Open recovers from.
// The database belongs to the caller and stays open after Close.
type Writer struct {
	Repo repo.Repo
}

func (w Writer) Name() string { return "sqlite" }

func (w Writer) Write(ctx context.Context, batch []domain.Attestation) error {
	if err := w.Repo.InsertAttestations(ctx, batch); err != nil {
		return fmt.Errorf("append %d attestations from seq %d: %w", len(batch), batch[0].Seq, err)
	}
	return nil
}

func (w Writer) Close() error { return nil }
