package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bili-arch/cachedb/internal/schema"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) itemDir(bvid string) string {
	return filepath.Join(s.root, bvid)
}

func (s *Store) checkID(bvid string) error {
	if !s.idPattern.MatchString(bvid) {
		return fmt.Errorf("%w: %q", ErrInvalidID, bvid)
	}
	return nil
}

func (s *Store) checkWritable() error {
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// UpdateItem merges root/<bvid>/info.json into the database. It reports
// whether anything was written.
//
// An item whose info.json is not newer than the stored row is skipped.
// Otherwise the video row is rewritten only when a mirrored field changed
// (a bare mtime bump is recorded on its own), parts are written when new
// or changed, and users are replaced only by newer data. Size and flags
// always carry over from the stored rows.
func (s *Store) UpdateItem(ctx context.Context, bvid string) (bool, error) {
	if err := s.checkID(bvid); err != nil {
		return false, err
	}
	if err := s.checkWritable(); err != nil {
		return false, err
	}

	fresh, err := schema.ReadItem(s.itemDir(bvid))
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", bvid, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := loadItem(ctx, tx, bvid)
	if errors.Is(err, ErrNotFound) {
		s.log.Info().Str("bvid", bvid).Msg("inserting item")
		if err := upsertVideo(ctx, tx, fresh.Video); err != nil {
			return false, err
		}
		for _, p := range fresh.Parts {
			if err := upsertPart(ctx, tx, p); err != nil {
				return false, err
			}
		}
		if err := storeAuthors(ctx, tx, fresh.Authors); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit %s: %w", bvid, err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if fresh.Video.MTime <= stored.Video.MTime {
		s.log.Debug().Str("bvid", bvid).Msg("item not newer, skipping")
		return false, nil
	}

	video := fresh.Video
	video.Size = stored.Video.Size
	video.Flags = stored.Video.Flags

	prev := stored.Video
	prev.MTime = video.MTime
	if video != prev {
		if err := upsertVideo(ctx, tx, video); err != nil {
			return false, err
		}
	} else {
		_, err := tx.ExecContext(ctx, "UPDATE video SET mtime = ? WHERE bvid = ?", video.MTime, bvid)
		if err != nil {
			return false, fmt.Errorf("failed to bump mtime of %s: %w", bvid, err)
		}
	}

	changedParts := 0
	for _, p := range fresh.Parts {
		old, ok := stored.PartByCID(p.CID)
		if ok {
			p.Size = old.Size
			if p == old {
				continue
			}
		}
		if err := upsertPart(ctx, tx, p); err != nil {
			return false, err
		}
		changedParts++
	}

	if err := storeAuthors(ctx, tx, fresh.Authors); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit %s: %w", bvid, err)
	}
	s.log.Info().Str("bvid", bvid).Int("parts", changedParts).Msg("updated item")
	return true, nil
}

// UpdateItemSize recomputes part sizes from the part directories of
// root/<bvid> and, when any part changed, the video's total. It reports
// whether a size changed.
func (s *Store) UpdateItemSize(ctx context.Context, bvid string) (bool, error) {
	if err := s.checkID(bvid); err != nil {
		return false, err
	}
	if err := s.checkWritable(); err != nil {
		return false, err
	}

	sizes, err := s.partSizes(bvid)
	if err != nil {
		return false, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changed int64
	for cid, size := range sizes {
		res, err := tx.ExecContext(ctx,
			"UPDATE part SET size = ? WHERE cid = ? AND bvid = ? AND (size IS NULL OR size != ?)",
			size, cid, bvid, size)
		if err != nil {
			return false, fmt.Errorf("failed to update size of part %s: %w", cid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to read affected rows: %w", err)
		}
		changed += n
	}

	if changed == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE video SET size = (SELECT SUM(size) FROM part WHERE bvid = ?) WHERE bvid = ?",
		bvid, bvid)
	if err != nil {
		return false, fmt.Errorf("failed to update size of %s: %w", bvid, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit sizes of %s: %w", bvid, err)
	}
	s.log.Debug().Str("bvid", bvid).Int64("parts", changed).Msg("updated sizes")
	return true, nil
}

// partSizes sums the regular files of every part directory. Symlinks and
// nested directories are not followed.
func (s *Store) partSizes(bvid string) (map[string]int64, error) {
	dir := s.itemDir(bvid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	sizes := make(map[string]int64)
	for _, e := range entries {
		if !e.IsDir() || !s.partPattern.MatchString(e.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list part %s: %w", e.Name(), err)
		}
		var total int64
		for _, f := range files {
			if !f.Type().IsRegular() {
				continue
			}
			info, err := f.Info()
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
			}
			total += info.Size()
		}
		sizes[e.Name()] = total
	}
	return sizes, nil
}

// RemoveItem deletes the rows of bvid. Unless force is set it refuses while
// info.json is still a regular file, or, with verify, while it still parses.
// It reports whether a video row was deleted.
func (s *Store) RemoveItem(ctx context.Context, bvid string, force, verify bool) (bool, error) {
	if err := s.checkID(bvid); err != nil {
		return false, err
	}
	if err := s.checkWritable(); err != nil {
		return false, err
	}

	if !force {
		dir := s.itemDir(bvid)
		st, err := os.Stat(filepath.Join(dir, schema.InfoFile))
		if err == nil && st.Mode().IsRegular() {
			if !verify {
				s.log.Debug().Str("bvid", bvid).Msg("metadata present, not removing")
				return false, nil
			}
			if _, err := schema.ReadItem(dir); err == nil {
				s.log.Debug().Str("bvid", bvid).Msg("metadata valid, not removing")
				return false, nil
			}
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Children first for the foreign keys. The video delete must stay last:
	// its row count alone decides whether the item existed.
	var removed int64
	for _, stmt := range []string{
		"DELETE FROM author WHERE bvid = ?",
		"DELETE FROM part WHERE bvid = ?",
		"DELETE FROM video WHERE bvid = ?",
	} {
		res, err := tx.ExecContext(ctx, stmt, bvid)
		if err != nil {
			return false, fmt.Errorf("failed to remove %s: %w", bvid, err)
		}
		removed, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit removal of %s: %w", bvid, err)
	}
	if removed > 0 {
		s.log.Info().Str("bvid", bvid).Msg("removed item")
	}
	return removed > 0, nil
}

func upsertVideo(ctx context.Context, db execer, v schema.Video) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO video (bvid, mtime, title, tags, parts, cover, description, duration,
			ctime, pubtime, views, likes, size, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bvid) DO UPDATE SET
			mtime = excluded.mtime,
			title = excluded.title,
			tags = excluded.tags,
			parts = excluded.parts,
			cover = excluded.cover,
			description = excluded.description,
			duration = excluded.duration,
			ctime = excluded.ctime,
			pubtime = excluded.pubtime,
			views = excluded.views,
			likes = excluded.likes,
			size = excluded.size,
			flags = excluded.flags
	`, v.BVID, v.MTime, v.Title, v.Tags, v.Parts, v.Cover, v.Description, v.Duration,
		v.CTime, v.PubTime, v.Views, v.Likes, v.Size, v.Flags)
	if err != nil {
		return fmt.Errorf("failed to store video %s: %w", v.BVID, err)
	}
	return nil
}

func upsertPart(ctx context.Context, db execer, p schema.Part) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO part (cid, bvid, part, title, duration, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			bvid = excluded.bvid,
			part = excluded.part,
			title = excluded.title,
			duration = excluded.duration,
			size = excluded.size
	`, p.CID, p.BVID, p.Part, p.Title, p.Duration, p.Size)
	if err != nil {
		return fmt.Errorf("failed to store part %s: %w", p.CID, err)
	}
	return nil
}

// storeAuthors writes each user unless the stored row is at least as new,
// then links it to the video, touching the link only when the role changed.
func storeAuthors(ctx context.Context, db execer, authors []schema.Author) error {
	for _, a := range authors {
		_, err := db.ExecContext(ctx, `
			INSERT INTO user (uid, mtime, uname, face) VALUES (?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				mtime = excluded.mtime,
				uname = excluded.uname,
				face = excluded.face
			WHERE excluded.mtime > user.mtime
		`, a.UID, a.MTime, a.Name, a.Face)
		if err != nil {
			return fmt.Errorf("failed to store user %s: %w", a.UID, err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO author (uid, bvid, role) VALUES (?, ?, ?)
			ON CONFLICT(uid, bvid) DO UPDATE SET role = excluded.role
			WHERE excluded.role IS NOT author.role
		`, a.UID, a.BVID, a.Role)
		if err != nil {
			return fmt.Errorf("failed to link user %s to %s: %w", a.UID, a.BVID, err)
		}
	}
	return nil
}

// loadItem reads every stored row of bvid. It returns ErrNotFound when the
// video row is missing.
func loadItem(ctx context.Context, db querier, bvid string) (*schema.Item, error) {
	item := &schema.Item{}
	v := &item.Video
	err := db.QueryRowContext(ctx, `
		SELECT bvid, mtime, title, tags, parts, cover, description, duration,
			ctime, pubtime, views, likes, size, flags
		FROM video WHERE bvid = ?
	`, bvid).Scan(&v.BVID, &v.MTime, &v.Title, &v.Tags, &v.Parts, &v.Cover, &v.Description,
		&v.Duration, &v.CTime, &v.PubTime, &v.Views, &v.Likes, &v.Size, &v.Flags)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bvid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load video %s: %w", bvid, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT cid, bvid, part, title, duration, size
		FROM part WHERE bvid = ? ORDER BY part, cid
	`, bvid)
	if err != nil {
		return nil, fmt.Errorf("failed to load parts of %s: %w", bvid, err)
	}
	for rows.Next() {
		var p schema.Part
		if err := rows.Scan(&p.CID, &p.BVID, &p.Part, &p.Title, &p.Duration, &p.Size); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		item.Parts = append(item.Parts, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate parts: %w", err)
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT u.uid, u.mtime, u.uname, u.face, a.bvid, a.role
		FROM author a JOIN user u ON u.uid = a.uid
		WHERE a.bvid = ? ORDER BY u.uid
	`, bvid)
	if err != nil {
		return nil, fmt.Errorf("failed to load authors of %s: %w", bvid, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a schema.Author
		if err := rows.Scan(&a.UID, &a.MTime, &a.Name, &a.Face, &a.BVID, &a.Role); err != nil {
			return nil, fmt.Errorf("failed to scan author: %w", err)
		}
		item.Authors = append(item.Authors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authors: %w", err)
	}
	return item, nil
}
