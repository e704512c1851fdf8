package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/libgit2/git2go/v34"
)

// cloner fetches a repository working tree. Abstracted for tests.
type cloner interface {
	clone(ctx context.Context, url, dest string) error
}

// gitCloner checks out repositories from hosts without an archive
// endpoint.
type gitCloner struct{}

func (gitCloner) clone(ctx context.Context, url, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := git.Clone(url, dest, &git.CloneOptions{
		CheckoutOptions: git.CheckoutOptions{
			Strategy: git.CheckoutForce,
		},
	})
	if err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	repo.Free()

	// The object database can dwarf the working tree and none of the
	// analysis reads it.
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return fmt.Errorf("strip git dir: %w", err)
	}

	return nil
}
