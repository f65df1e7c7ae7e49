package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bili-arch/cachedb/internal/schema"
)

// Get returns the stored rows of bvid.
func (s *Store) Get(ctx context.Context, bvid string) (*schema.Item, error) {
	if err := s.checkID(bvid); err != nil {
		return nil, err
	}
	return loadItem(ctx, s.conn, bvid)
}

// ListIDs returns every stored bvid in key order.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT bvid FROM video ORDER BY bvid")
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Filter selects rows of the search view. Empty fields are ignored; the
// text fields match as substrings.
type Filter struct {
	BVID  string
	Title string
	Tags  string
	Uname string
	// Since keeps items whose mtime is not older.
	Since time.Time
	// Order is a column from OrderKeys, optionally prefixed with '+' for
	// ascending or '-' for descending. The default is "-mtime".
	Order string
	Limit int
}

// OrderKeys lists the columns a query may be ordered by.
var OrderKeys = []string{"mtime", "tags", "parts", "duration", "ctime", "pubtime", "views", "likes", "size", "uid"}

var orderPattern = regexp.MustCompile(`^([+-]?)(\w+)$`)

// SearchRow is one row of the search view: a video paired with one author.
type SearchRow struct {
	BVID     string
	MTime    int64
	Title    string
	Tags     string
	Parts    int64
	Cover    sql.NullString
	Duration sql.NullInt64
	CTime    sql.NullInt64
	PubTime  sql.NullInt64
	Views    sql.NullInt64
	Likes    sql.NullInt64
	Size     sql.NullInt64
	Flags    sql.NullString
	UID      string
	Uname    string
	Role     sql.NullString
}

// Query searches the view.
func (s *Store) Query(ctx context.Context, f Filter) ([]SearchRow, error) {
	orderBy, err := orderClause(f.Order)
	if err != nil {
		return nil, err
	}

	var conds []string
	var args []any
	if f.BVID != "" {
		conds = append(conds, "bvid = ?")
		args = append(args, f.BVID)
	}
	for _, like := range []struct{ col, val string }{
		{"title", f.Title},
		{"tags", f.Tags},
		{"uname", f.Uname},
	} {
		if like.val == "" {
			continue
		}
		conds = append(conds, like.col+" LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(like.val)+"%")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "mtime >= ?")
		args = append(args, f.Since.Unix())
	}

	q := `SELECT bvid, mtime, title, tags, parts, cover, duration, ctime, pubtime,
		views, likes, size, flags, uid, uname, role FROM search_view`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + orderBy + ", bvid, uid"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []SearchRow
	for rows.Next() {
		var r SearchRow
		if err := rows.Scan(&r.BVID, &r.MTime, &r.Title, &r.Tags, &r.Parts, &r.Cover, &r.Duration,
			&r.CTime, &r.PubTime, &r.Views, &r.Likes, &r.Size, &r.Flags, &r.UID, &r.Uname, &r.Role); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func orderClause(order string) (string, error) {
	if order == "" {
		return "mtime DESC", nil
	}
	m := orderPattern.FindStringSubmatch(order)
	if m == nil {
		return "", fmt.Errorf("invalid order %q", order)
	}
	for _, key := range OrderKeys {
		if key != m[2] {
			continue
		}
		if m[1] == "-" {
			return key + " DESC", nil
		}
		return key + " ASC", nil
	}
	return "", fmt.Errorf("invalid order key %q (valid: %s)", m[2], strings.Join(OrderKeys, ", "))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Counts summarises the database contents.
type Counts struct {
	Videos    int64
	Parts     int64
	Users     int64
	Authors   int64
	TotalSize int64
	Created   time.Time
	Version   string
}

// Counts returns table sizes and the meta row.
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	var ctime int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM video),
			(SELECT COUNT(*) FROM part),
			(SELECT COUNT(*) FROM user),
			(SELECT COUNT(*) FROM author),
			(SELECT COALESCE(SUM(size), 0) FROM video),
			ctime, version
		FROM meta
	`).Scan(&c.Videos, &c.Parts, &c.Users, &c.Authors, &c.TotalSize, &ctime, &c.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	c.Created = time.Unix(ctime, 0)
	return &c, nil
}
