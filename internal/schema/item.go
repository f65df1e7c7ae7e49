// Package schema provides the typed rows mirrored from an item directory
// and the loader that builds them from the item's info.json.
package schema

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// InfoFile is the metadata file a writer leaves in every item directory.
const InfoFile = "info.json"

// ErrMalformedInfo is returned when info.json is unreadable as item metadata.
var ErrMalformedInfo = errors.New("malformed item metadata")

// Video is one row of the video table.
type Video struct {
	BVID        string
	MTime       int64
	Title       string
	Tags        string
	Parts       int64
	Cover       sql.NullString
	Description sql.NullString
	Duration    sql.NullInt64
	CTime       sql.NullInt64
	PubTime     sql.NullInt64
	Views       sql.NullInt64
	Likes       sql.NullInt64

	// Size and Flags are maintained by the database, never by info.json.
	Size  sql.NullInt64
	Flags sql.NullString
}

// Part is one row of the part table.
type Part struct {
	CID      string
	BVID     string
	Part     int64
	Title    sql.NullString
	Duration sql.NullInt64
	Size     sql.NullInt64
}

// User is one row of the user table.
type User struct {
	UID   string
	MTime int64
	Name  string
	Face  sql.NullString
}

// Author links a user to a video with an optional role.
type Author struct {
	User
	BVID string
	Role sql.NullString
}

// Item is everything mirrored for one item directory.
type Item struct {
	Video   Video
	Parts   []Part
	Authors []Author
}

// PartByCID returns the part with the given cid.
func (it *Item) PartByCID(cid string) (Part, bool) {
	for _, p := range it.Parts {
		if p.CID == cid {
			return p, true
		}
	}
	return Part{}, false
}

var requiredFields = []string{
	"bvid", "title", "desc", "duration", "ctime", "pubdate",
	"videos", "tname", "pic", "stat.view", "stat.like", "pages",
}

// ReadItem loads dir/info.json. The item's mtime is the file's
// modification time in whole seconds.
func ReadItem(dir string) (*Item, error) {
	f, err := os.Open(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open item metadata: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat item metadata: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read item metadata: %w", err)
	}

	item, err := ParseItem(data, st.ModTime().Unix())
	if err != nil {
		return nil, err
	}
	if want := filepath.Base(dir); item.Video.BVID != want {
		return nil, fmt.Errorf("%w: bvid %q does not match directory %q", ErrMalformedInfo, item.Video.BVID, want)
	}
	return item, nil
}

// ParseItem builds an Item from raw info.json content stamped with mtime.
func ParseItem(data []byte, mtime int64) (*Item, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedInfo)
	}
	info := gjson.ParseBytes(data)
	if !info.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformedInfo)
	}
	for _, key := range requiredFields {
		if !info.Get(key).Exists() {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedInfo, key)
		}
	}

	bvid := info.Get("bvid").String()
	if bvid == "" {
		return nil, fmt.Errorf("%w: empty bvid", ErrMalformedInfo)
	}

	item := &Item{
		Video: Video{
			BVID:        bvid,
			MTime:       mtime,
			Title:       info.Get("title").String(),
			Tags:        info.Get("tname").String(),
			Parts:       info.Get("videos").Int(),
			Cover:       basename(info.Get("pic")),
			Description: nullString(info.Get("desc")),
			Duration:    nullInt(info.Get("duration")),
			CTime:       nullInt(info.Get("ctime")),
			PubTime:     nullInt(info.Get("pubdate")),
			Views:       nullInt(info.Get("stat.view")),
			Likes:       nullInt(info.Get("stat.like")),
		},
	}

	for _, page := range info.Get("pages").Array() {
		cid := page.Get("cid")
		if !cid.Exists() {
			return nil, fmt.Errorf("%w: page without cid", ErrMalformedInfo)
		}
		item.Parts = append(item.Parts, Part{
			CID:      cid.String(),
			BVID:     bvid,
			Part:     page.Get("page").Int(),
			Title:    nullString(page.Get("part")),
			Duration: nullInt(page.Get("duration")),
		})
	}

	staff := info.Get("staff").Array()
	if len(staff) > 0 {
		for _, s := range staff {
			a, err := parseAuthor(s, bvid, mtime)
			if err != nil {
				return nil, err
			}
			a.Role = nullString(s.Get("title"))
			item.Authors = append(item.Authors, a)
		}
	} else {
		owner := info.Get("owner")
		if !owner.Exists() {
			return nil, fmt.Errorf("%w: neither staff nor owner present", ErrMalformedInfo)
		}
		a, err := parseAuthor(owner, bvid, mtime)
		if err != nil {
			return nil, err
		}
		item.Authors = append(item.Authors, a)
	}

	return item, nil
}

func parseAuthor(r gjson.Result, bvid string, mtime int64) (Author, error) {
	mid := r.Get("mid")
	name := r.Get("name")
	if !mid.Exists() || !name.Exists() {
		return Author{}, fmt.Errorf("%w: author without mid or name", ErrMalformedInfo)
	}
	return Author{
		User: User{
			UID:   mid.String(),
			MTime: mtime,
			Name:  name.String(),
			Face:  basename(r.Get("face")),
		},
		BVID: bvid,
	}, nil
}

// basename keeps the last path element of a URL, as the cached copy is
// stored under that name.
func basename(r gjson.Result) sql.NullString {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: path.Base(r.String()), Valid: true}
}

func nullString(r gjson.Result) sql.NullString {
	if !r.Exists() || r.Type == gjson.Null {
		return sql.NullString{}
	}
	return sql.NullString{String: r.String(), Valid: true}
}

func nullInt(r gjson.Result) sql.NullInt64 {
	if !r.Exists() || r.Type == gjson.Null {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: r.Int(), Valid: true}
}
