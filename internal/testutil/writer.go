//go:build linux

// Package testutil simulates the archive writers for tests: it lays out
// item directories the way a downloader would and holds the writer's
// exclusive lock while doing so.
package testutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/bili-arch/cachedb/internal/flock"
)

// Person is an owner or staff member entry.
type Person struct {
	MID   int64
	Name  string
	Face  string
	Title string
}

// Page is one entry of the pages array.
type Page struct {
	CID      int64
	Page     int64
	Part     string
	Duration int64
}

// Info is the subset of info.json the cache mirrors.
type Info struct {
	BVID     string
	Title    string
	Desc     string
	Tname    string
	Pic      string
	Duration int64
	CTime    int64
	PubDate  int64
	Views    int64
	Likes    int64
	Owner    Person
	Staff    []Person
	Pages    []Page
}

// SampleCID derives a part id unique to bvid, since cids are global keys.
func SampleCID(bvid string, page int64) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(bvid))
	return int64(h.Sum32())*100 + page
}

// SampleInfo returns a single-part item owned by one user.
func SampleInfo(bvid string) Info {
	return Info{
		BVID:     bvid,
		Title:    "sample " + bvid,
		Desc:     "description of " + bvid,
		Tname:    "music",
		Pic:      "https://i0.hdslb.com/bfs/archive/" + bvid + ".jpg",
		Duration: 215,
		CTime:    1700000000,
		PubDate:  1700000100,
		Views:    1024,
		Likes:    64,
		Owner: Person{
			MID:  42,
			Name: "uploader",
			Face: "https://i1.hdslb.com/bfs/face/uploader.jpg",
		},
		Pages: []Page{
			{CID: SampleCID(bvid, 1), Page: 1, Part: "part one", Duration: 215},
		},
	}
}

// Encode renders info in the layout the downloader writes.
func (info Info) Encode() ([]byte, error) {
	person := func(p Person) map[string]any {
		m := map[string]any{"mid": p.MID, "name": p.Name, "face": p.Face}
		if p.Title != "" {
			m["title"] = p.Title
		}
		return m
	}

	pages := make([]map[string]any, 0, len(info.Pages))
	for _, p := range info.Pages {
		pages = append(pages, map[string]any{
			"cid":      p.CID,
			"page":     p.Page,
			"part":     p.Part,
			"duration": p.Duration,
		})
	}

	doc := map[string]any{
		"bvid":     info.BVID,
		"title":    info.Title,
		"desc":     info.Desc,
		"tname":    info.Tname,
		"pic":      info.Pic,
		"duration": info.Duration,
		"ctime":    info.CTime,
		"pubdate":  info.PubDate,
		"videos":   len(info.Pages),
		"stat":     map[string]any{"view": info.Views, "like": info.Likes},
		"owner":    person(info.Owner),
		"pages":    pages,
	}
	if len(info.Staff) > 0 {
		staff := make([]map[string]any, 0, len(info.Staff))
		for _, s := range info.Staff {
			staff = append(staff, person(s))
		}
		doc["staff"] = staff
	}
	return json.MarshalIndent(doc, "", "\t")
}

// WriteInfo creates root/<bvid>/info.json and stamps it with mtime. It
// returns the item directory.
func WriteInfo(t testing.TB, root string, info Info, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, info.BVID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create item dir: %v", err)
	}

	data, err := info.Encode()
	if err != nil {
		t.Fatalf("failed to encode info: %v", err)
	}
	path := filepath.Join(dir, "info.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write info: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("failed to set info mtime: %v", err)
		}
	}
	return dir
}

// WriteRaw writes arbitrary content as root/<bvid>/info.json.
func WriteRaw(t testing.TB, root, bvid string, content []byte) string {
	t.Helper()
	dir := filepath.Join(root, bvid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create item dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "info.json"), content, 0o644); err != nil {
		t.Fatalf("failed to write info: %v", err)
	}
	return dir
}

// WritePart creates root/<bvid>/<cid>/ with one file per entry of sizes.
// It returns the total number of bytes written.
func WritePart(t testing.TB, root, bvid string, cid int64, sizes map[string]int) int64 {
	t.Helper()
	dir := filepath.Join(root, bvid, strconv.FormatInt(cid, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create part dir: %v", err)
	}
	var total int64
	for name, size := range sizes {
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		total += int64(size)
	}
	return total
}

// LockHolder is a writer's exclusive lock on an item directory.
type LockHolder struct {
	f *os.File
}

// HoldLock takes the exclusive writer lock on dir. The lock is released
// when the test ends if Release was not called first.
func HoldLock(t testing.TB, dir string) *LockHolder {
	t.Helper()
	f, err := flock.OpenDir(dir)
	if err != nil {
		t.Fatalf("failed to open %s: %v", dir, err)
	}
	ok, err := flock.TryAcquire(f, true)
	if err != nil || !ok {
		_ = f.Close()
		t.Fatalf("failed to lock %s: acquired=%v err=%v", dir, ok, err)
	}
	h := &LockHolder{f: f}
	t.Cleanup(h.Release)
	return h
}

// Release unlocks and closes the directory. It is safe to call twice.
func (h *LockHolder) Release() {
	if h.f == nil {
		return
	}
	_ = flock.Release(h.f)
	_ = h.f.Close()
	h.f = nil
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(format, args...))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
