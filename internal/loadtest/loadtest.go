//go:build linux

// Package loadtest measures query latency of the metadata database while a
// walk rewrites it, the access pattern of CLI queries against a running
// daemon.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bili-arch/cachedb/internal/store"
	"github.com/bili-arch/cachedb/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Corpus is a synthetic cache root.
type Corpus struct {
	Root string
	IDs  []string
}

// Populate writes n synthetic items under root. The same seed always
// produces the same corpus.
func Populate(root string, n int, seed int64) (*Corpus, error) {
	rng := rand.New(rand.NewSource(seed))
	tags := []string{"music", "game", "tech", "life", "anime"}
	base := time.Now().Add(-30 * 24 * time.Hour)

	c := &Corpus{Root: root, IDs: make([]string, 0, n)}
	for i := 0; i < n; i++ {
		bvid := fmt.Sprintf("BV1load%05d", i)
		info := testutil.SampleInfo(bvid)
		info.Title = fmt.Sprintf("item %d", i)
		info.Tname = tags[i%len(tags)]
		info.Views = rng.Int63n(1_000_000)
		info.Likes = info.Views / 20
		info.Owner.MID = int64(1 + i%50)
		info.Owner.Name = fmt.Sprintf("uploader %d", i%50)
		if i%7 == 0 {
			info.Staff = []testutil.Person{
				{MID: info.Owner.MID, Name: info.Owner.Name, Title: "UP"},
				{MID: 1000 + int64(i%13), Name: fmt.Sprintf("guest %d", i%13), Title: "guest"},
			}
		}

		data, err := info.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", bvid, err)
		}
		dir := filepath.Join(root, bvid)
		partDir := filepath.Join(dir, fmt.Sprint(info.Pages[0].CID))
		if err := os.MkdirAll(partDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", bvid, err)
		}
		if err := os.WriteFile(filepath.Join(partDir, "video.m4s"), make([]byte, 1+rng.Intn(4096)), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write media of %s: %w", bvid, err)
		}
		path := filepath.Join(dir, "info.json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write info of %s: %w", bvid, err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return nil, fmt.Errorf("failed to stamp %s: %w", bvid, err)
		}
		c.IDs = append(c.IDs, bvid)
	}
	return c, nil
}

// Touch bumps the mtime of every info.json so the next walk rewrites
// every item.
func (c *Corpus) Touch(at time.Time) error {
	for _, id := range c.IDs {
		path := filepath.Join(c.Root, id, "info.json")
		if err := os.Chtimes(path, at, at); err != nil {
			return fmt.Errorf("failed to touch %s: %w", id, err)
		}
	}
	return nil
}

// LatencyStats captures query latencies.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// Options controls a Run.
type Options struct {
	// Readers is the number of concurrent query loops.
	Readers int
	// QueriesPerReader is how many queries each loop issues.
	QueriesPerReader int
	// Rewalk touches every item and walks again while the readers run.
	Rewalk bool
	Logger zerolog.Logger
}

// Report is the outcome of a Run.
type Report struct {
	InitialWalk store.WalkResult
	InitialTook time.Duration
	Rewalk      store.WalkResult
	RewalkTook  time.Duration
	Queries     *LatencyStats
}

// Run indexes the corpus into the database at dbPath, then queries it from
// opts.Readers goroutines through a read-only handle.
func Run(ctx context.Context, c *Corpus, dbPath string, opts Options) (*Report, error) {
	if opts.Readers <= 0 || opts.QueriesPerReader <= 0 {
		return nil, errors.New("readers and queries per reader must be positive")
	}

	writer, err := store.Open(ctx, c.Root, dbPath, store.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	report := &Report{}
	start := time.Now()
	if report.InitialWalk, err = writer.Walk(ctx, nil); err != nil {
		return nil, fmt.Errorf("initial walk failed: %w", err)
	}
	report.InitialTook = time.Since(start)

	reader, err := store.OpenReadOnly(ctx, dbPath, store.Options{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var walkErr error
	var walkDone sync.WaitGroup
	if opts.Rewalk {
		if err := c.Touch(time.Now()); err != nil {
			return nil, err
		}
		walkDone.Add(1)
		go func() {
			defer walkDone.Done()
			start := time.Now()
			report.Rewalk, walkErr = writer.Walk(ctx, nil)
			report.RewalkTook = time.Since(start)
		}()
	}

	var mu sync.Mutex
	var durations []time.Duration
	var failures int

	p := pool.New().WithContext(ctx).WithMaxGoroutines(opts.Readers)
	for r := 0; r < opts.Readers; r++ {
		p.Go(func(ctx context.Context) error {
			local := make([]time.Duration, 0, opts.QueriesPerReader)
			failed := 0
			for q := 0; q < opts.QueriesPerReader; q++ {
				f := c.filter(r*opts.QueriesPerReader + q)
				start := time.Now()
				if _, err := reader.Query(ctx, f); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					continue
				}
				local = append(local, time.Since(start))
			}
			mu.Lock()
			durations = append(durations, local...)
			failures += failed
			mu.Unlock()
			return nil
		})
	}
	poolErr := p.Wait()
	walkDone.Wait()

	if poolErr != nil {
		return nil, poolErr
	}
	if walkErr != nil {
		return nil, fmt.Errorf("concurrent walk failed: %w", walkErr)
	}
	if len(durations) == 0 {
		return nil, errors.New("no successful queries completed")
	}

	report.Queries = computeLatencyStats(durations)
	report.Queries.Errors = failures
	return report, nil
}

// filter cycles through the query shapes the CLI issues.
func (c *Corpus) filter(n int) store.Filter {
	switch n % 4 {
	case 0:
		return store.Filter{BVID: c.IDs[n%len(c.IDs)]}
	case 1:
		return store.Filter{Title: fmt.Sprintf("item %d", n%len(c.IDs)), Limit: 20}
	case 2:
		return store.Filter{Uname: fmt.Sprintf("uploader %d", n%50), Order: "-views", Limit: 50}
	default:
		return store.Filter{Since: time.Now().Add(-7 * 24 * time.Hour), Order: "+pubtime", Limit: 100}
	}
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// Print formats the statistics.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
