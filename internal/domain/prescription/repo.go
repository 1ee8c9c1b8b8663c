package prescription

import "context"

// Store is the lookup store. FindByCode returns ErrNotFound when no
// document matches.
type Store interface {
	FindByCode(ctx context.Context, code string) (*Record, error)
}

// Seeder is implemented by stores that can be loaded from a seed file.
type Seeder interface {
	Upsert(ctx context.Context, rec *Record) error
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}
