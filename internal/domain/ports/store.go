package ports

import (
	"context"

	"github.com/brianly1003/runsync/internal/domain"
	"github.com/brianly1003/runsync/internal/session"
)

// Store persists the whole session map. Save replaces everything that was
// stored before.
type Store interface {
	Load(ctx context.Context) ([]*session.Session, error)
	Save(ctx context.Context, sessions []*session.Session) error
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() string
}

// Notifier receives user-facing advisories. How they are shown is up to the
// implementation.
type Notifier interface {
	Notify(advisory domain.Advisory)
}
