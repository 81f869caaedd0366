package audit

import (
	"context"

	"github.com/givebridge/accessd/pkg/storage"
)

// Recorder writes audit entries. RecordTx runs on the caller's querier so an
// entry commits or rolls back together with the mutation it describes.
type Recorder interface {
	RecordTx(ctx context.Context, q storage.Querier, rec Record) (Entry, error)
}

// Reader serves the audit log back to operators
type Reader interface {
	Query(ctx context.Context, filter Filter, page Page) (Result, error)
	Export(ctx context.Context, filter Filter, limit int) ([]Entry, error)
}

// Store is the full audit surface
type Store interface {
	Recorder
	Reader
}

var _ Store = (*DBLogger)(nil)
