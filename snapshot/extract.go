package snapshot

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hotpatch-oss/machosnapshot/patchbase"
)

// ExtractAll runs Extract against every provider concurrently, returning
// results in input order. Each provider is opened, parsed and closed in its
// own goroutine. After the first error, extractions that have not yet
// started parsing are skipped; extractions already in progress run to
// completion. Only the first error is returned.
func ExtractAll(ctx context.Context, providers []patchbase.ExternalFileProvider) ([]*DartSnapshots, error) {
	results := make([]*DartSnapshots, len(providers))

	g, ctx := errgroup.WithContext(ctx)
	for i, provider := range providers {
		i, provider := i, provider
		g.Go(func() error {
			stream, err := patchbase.Open(provider)
			if err != nil {
				return err
			}
			defer stream.Close()

			if err := ctx.Err(); err != nil {
				return err
			}

			snaps, err := Extract(stream)
			if err != nil {
				return err
			}
			results[i] = snaps
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
