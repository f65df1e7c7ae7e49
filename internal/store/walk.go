package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// WalkResult summarises a full reconciliation pass.
type WalkResult struct {
	Scanned int
	Changed int
	Failed  int
}

// Walk reconciles every item directory under the root. Failures on single
// items are logged and counted, never fatal. onEach, when non-nil, is
// called with the id of every item whose rows changed.
func (s *Store) Walk(ctx context.Context, onEach func(bvid string)) (WalkResult, error) {
	var result WalkResult
	if err := s.checkWritable(); err != nil {
		return result, err
	}

	start := time.Now()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return result, fmt.Errorf("failed to list root: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !e.IsDir() || !s.idPattern.MatchString(e.Name()) {
			continue
		}
		bvid := e.Name()
		result.Scanned++

		changed, err := s.UpdateItem(ctx, bvid)
		if err != nil {
			s.log.Warn().Err(err).Str("bvid", bvid).Msg("walk: update failed")
			result.Failed++
			continue
		}
		sized, err := s.UpdateItemSize(ctx, bvid)
		if err != nil {
			s.log.Warn().Err(err).Str("bvid", bvid).Msg("walk: size update failed")
			result.Failed++
		}

		if changed || sized {
			result.Changed++
			if onEach != nil {
				onEach(bvid)
			}
		}
	}

	s.log.Info().
		Int("scanned", result.Scanned).
		Int("changed", result.Changed).
		Int("failed", result.Failed).
		Dur("took", time.Since(start)).
		Msg("walk complete")
	return result, nil
}

// Autoremove drops the rows of every item whose info.json is gone. Items
// whose directory was modified within grace are left alone so that a
// writer mid-rename is not mistaken for a deletion. It returns the number
// of items removed.
func (s *Store) Autoremove(ctx context.Context, grace time.Duration) (int, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}

	ids, err := s.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, bvid := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if grace > 0 {
			if st, err := os.Stat(s.itemDir(bvid)); err == nil && time.Since(st.ModTime()) < grace {
				s.log.Debug().Str("bvid", bvid).Msg("autoremove: within grace period")
				continue
			}
		}

		removed, err := s.RemoveItem(ctx, bvid, false, false)
		if err != nil {
			s.log.Warn().Err(err).Str("bvid", bvid).Msg("autoremove: remove failed")
			continue
		}
		if removed {
			count++
		}
	}

	s.log.Info().Int("removed", count).Msg("autoremove complete")
	return count, nil
}
