package registry

import (
	"context"

	kivik "github.com/go-kivik/kivik/v4"
)

// SinceNow starts a feed at the current end of the registry, skipping
// all historic changes.
const SinceNow = "now"

// Change is one registry mutation. Deleted marks full unpublishes.
type Change struct {
	Seq     string
	Name    string
	Deleted bool
}

// Feed iterates registry changes. Next reports whether another change
// is available; the feed stays open until the context ends or the
// server drops the connection, after which Err explains why.
type Feed interface {
	Next() bool
	Change() Change
	Err() error
	Close() error
}

// Changes opens a continuous changes feed starting after since. The
// feed heartbeats to survive idle periods.
func (c *Client) Changes(ctx context.Context, since string) Feed {
	changes := c.db.Changes(ctx, kivik.Params(map[string]any{
		"feed":      "continuous",
		"since":     since,
		"heartbeat": 30000,
	}))

	return &couchFeed{changes: changes}
}

type couchFeed struct {
	changes *kivik.Changes
}

func (f *couchFeed) Next() bool { return f.changes.Next() }

func (f *couchFeed) Change() Change {
	return Change{
		Seq:     f.changes.Seq(),
		Name:    f.changes.ID(),
		Deleted: f.changes.Deleted(),
	}
}

func (f *couchFeed) Err() error { return f.changes.Err() }

func (f *couchFeed) Close() error { return f.changes.Close() }
