package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/npmlens/npmlens/internal/errkind"
)

// conflictAttempts bounds how many times a write refreshes its revision
// after a conflict before giving up as PERSISTENCE_FATAL.
const conflictAttempts = 5

// backend is the raw document operations behind the conflict-retry loop.
// couchBackend talks to CouchDB; memBackend backs tests.
type backend interface {
	get(ctx context.Context, key string, dest Doc) error
	put(ctx context.Context, key string, doc Doc) (rev string, err error)
	rev(ctx context.Context, key string) (string, error)
	delete(ctx context.Context, key, rev string) error
	walk(ctx context.Context, prefix string, fn func(key string) error) error
}

// errConflict signals a revision conflict inside the backend.
var errConflict = errors.New("revision conflict")

type retryStore struct {
	b backend
}

// NewCouch opens the CouchDB database at url and returns a Store over it.
func NewCouch(ctx context.Context, url, database string) (Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("open couchdb %q: %w", url, err)
	}

	exists, err := client.DBExists(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("check database %q: %w", database, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, database); err != nil {
			return nil, fmt.Errorf("create database %q: %w", database, err)
		}
	}

	return &retryStore{b: &couchBackend{db: client.DB(database)}}, nil
}

func (s *retryStore) Get(ctx context.Context, key string, dest Doc) error {
	return s.b.get(ctx, key, dest)
}

// Put writes doc, refreshing the revision and retrying on conflict. The
// final revision is written back into doc.
func (s *retryStore) Put(ctx context.Context, key string, doc Doc) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(conflictPolicy(), conflictAttempts-1), ctx)

	op := func() error {
		rev, err := s.b.put(ctx, key, doc)
		if err == nil {
			doc.SetDocRev(rev)

			return nil
		}
		if !errors.Is(err, errConflict) {
			return backoff.Permanent(err)
		}

		current, err := s.b.rev(ctx, key)
		switch {
		case err == nil:
			doc.SetDocRev(current)
		case IsNotFound(err):
			// Deleted underneath us. Retry as a fresh create.
			doc.SetDocRev("")
		default:
			return backoff.Permanent(err)
		}

		return errConflict
	}

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, errConflict) {
			return errkind.Newf(errkind.PersistenceFatal,
				"put %q: still conflicting after %d attempts", key, conflictAttempts)
		}

		return fmt.Errorf("put %q: %w", key, err)
	}

	return nil
}

func (s *retryStore) Delete(ctx context.Context, key string) error {
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		rev, err := s.b.rev(ctx, key)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}

		err = s.b.delete(ctx, key, rev)
		if err == nil || IsNotFound(err) {
			return nil
		}
		if !errors.Is(err, errConflict) {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}

	return errkind.Newf(errkind.PersistenceFatal,
		"delete %q: still conflicting after %d attempts", key, conflictAttempts)
}

func (s *retryStore) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	return s.b.walk(ctx, prefix, fn)
}

func conflictPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return policy
}

// couchBackend maps the backend surface onto kivik.
type couchBackend struct {
	db *kivik.DB
}

func (c *couchBackend) get(ctx context.Context, key string, dest Doc) error {
	row := c.db.Get(ctx, key)
	if err := row.Err(); err != nil {
		return translateCouch(err)
	}
	if err := row.ScanDoc(dest); err != nil {
		return translateCouch(err)
	}

	return nil
}

func (c *couchBackend) put(ctx context.Context, key string, doc Doc) (string, error) {
	rev, err := c.db.Put(ctx, key, doc)
	if err != nil {
		return "", translateCouch(err)
	}

	return rev, nil
}

func (c *couchBackend) rev(ctx context.Context, key string) (string, error) {
	row := c.db.Get(ctx, key)
	if err := row.Err(); err != nil {
		return "", translateCouch(err)
	}

	rev, err := row.Rev()
	if err != nil {
		return "", translateCouch(err)
	}

	return rev, nil
}

func (c *couchBackend) delete(ctx context.Context, key, rev string) error {
	if _, err := c.db.Delete(ctx, key, rev); err != nil {
		return translateCouch(err)
	}

	return nil
}

func (c *couchBackend) walk(ctx context.Context, prefix string, fn func(key string) error) error {
	rows := c.db.AllDocs(ctx, kivik.Params(map[string]any{
		"startkey": prefix,
		"endkey":   prefix + "￰",
	}))
	defer rows.Close()

	for rows.Next() {
		key, err := rows.ID()
		if err != nil {
			return translateCouch(err)
		}
		if err := fn(key); err != nil {
			return err
		}
	}

	return translateCouch(rows.Err())
}

func translateCouch(err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", errConflict, err)
	}

	return err
}

// roundTrip deep-copies a document through JSON. Used by the in-memory
// backend so stored documents do not alias caller memory.
func roundTrip(src, dest any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, dest)
}
