package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bili-arch/cachedb/internal/schema"
	"github.com/bili-arch/cachedb/internal/store"
	"github.com/bili-arch/cachedb/internal/ui"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:     "get BVID",
	GroupID: "query",
	Short:   "Show the stored rows of one item",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openReader(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		item, err := st.Get(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("\n%s %s is not indexed\n\n", ui.RenderWarn("⚠"), args[0])
			return err
		}
		if err != nil {
			return err
		}
		printItem(item)
		return nil
	},
}

func printItem(item *schema.Item) {
	v := item.Video
	fmt.Printf("\n%s %s\n\n", ui.RenderAccent(v.BVID), v.Title)
	fmt.Print(ui.KeyValue([][2]string{
		{"Tags", v.Tags},
		{"Parts", fmt.Sprint(v.Parts)},
		{"Duration", formatSeconds(v.Duration)},
		{"Size", formatSize(v.Size)},
		{"Views", formatCount(v.Views)},
		{"Likes", formatCount(v.Likes)},
		{"Published", formatUnix(v.PubTime)},
		{"Indexed", humanize.Time(time.Unix(v.MTime, 0))},
		{"Cover", nullOr(v.Cover, "-")},
		{"Flags", nullOr(v.Flags, "-")},
	}))
	if desc := strings.TrimSpace(nullOr(v.Description, "")); desc != "" {
		fmt.Printf("\n%s\n", ui.RenderMuted(desc))
	}

	if len(item.Authors) > 0 {
		fmt.Printf("\n%s\n", ui.RenderAccent("Authors"))
		rows := make([][]string, 0, len(item.Authors))
		for _, a := range item.Authors {
			rows = append(rows, []string{a.UID, a.Name, nullOr(a.Role, "")})
		}
		fmt.Print(ui.Table([]string{"UID", "NAME", "ROLE"}, rows, ui.TerminalWidth(os.Stdout)))
	}

	if len(item.Parts) > 0 {
		fmt.Printf("\n%s\n", ui.RenderAccent("Parts"))
		rows := make([][]string, 0, len(item.Parts))
		for _, p := range item.Parts {
			rows = append(rows, []string{
				fmt.Sprint(p.Part), p.CID, formatSeconds(p.Duration), formatSize(p.Size), nullOr(p.Title, ""),
			})
		}
		fmt.Print(ui.Table([]string{"#", "CID", "DURATION", "SIZE", "TITLE"}, rows, ui.TerminalWidth(os.Stdout)))
	}
	fmt.Println()
}

var queryCmd = &cobra.Command{
	Use:     "query",
	GroupID: "query",
	Short:   "Search indexed items",
	Long: `Search the index. Text filters match substrings; one row is printed
per item and author.

Order by one of: ` + strings.Join(store.OrderKeys, ", ") + `
prefixed with + for ascending or - for descending (default -mtime).

Examples:
  cachedb query --title live --order -views --limit 20
  cachedb query --uname someone --since "last monday"
  cachedb query --since 48h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var f store.Filter
		f.BVID, _ = flags.GetString("bvid")
		f.Title, _ = flags.GetString("title")
		f.Tags, _ = flags.GetString("tags")
		f.Uname, _ = flags.GetString("uname")
		f.Order, _ = flags.GetString("order")
		f.Limit, _ = flags.GetInt("limit")

		since, _ := flags.GetString("since")
		t, err := parseSince(since, time.Now())
		if err != nil {
			return err
		}
		f.Since = t

		st, err := openReader(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Printf("%s No matching items\n", ui.RenderMuted("·"))
			return nil
		}

		out := make([][]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, []string{
				r.BVID,
				time.Unix(r.MTime, 0).Format(time.DateOnly),
				formatCount(r.Views),
				formatSize(r.Size),
				r.Uname,
				r.Title,
			})
		}
		fmt.Print(ui.Table([]string{"BVID", "MTIME", "VIEWS", "SIZE", "AUTHOR", "TITLE"}, out, ui.TerminalWidth(os.Stdout)))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "query",
	Short:   "Show database status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.Database); cfg.Database != "" && os.IsNotExist(err) {
			fmt.Printf("\n%s Database not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'cachedb walk' or start the daemon to create it\n\n")
			return nil
		}

		st, err := openReader(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.Counts(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Print(ui.KeyValue([][2]string{
			{"Root", st.Root()},
			{"Database", st.Path()},
			{"File size", fileSize(st.Path())},
			{"Schema", counts.Version},
			{"Created", counts.Created.Format(time.DateTime)},
			{"Videos", humanize.Comma(counts.Videos)},
			{"Parts", humanize.Comma(counts.Parts)},
			{"Users", humanize.Comma(counts.Users)},
			{"Authors", humanize.Comma(counts.Authors)},
			{"Archived", humanize.IBytes(uint64(counts.TotalSize))},
		}))
		fmt.Println()
		return nil
	},
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "-"
	}
	return humanize.IBytes(uint64(info.Size()))
}

func nullOr(s sql.NullString, fallback string) string {
	if !s.Valid {
		return fallback
	}
	return s.String
}

func formatSize(n sql.NullInt64) string {
	if !n.Valid {
		return "-"
	}
	return humanize.IBytes(uint64(n.Int64))
}

func formatCount(n sql.NullInt64) string {
	if !n.Valid {
		return "-"
	}
	return humanize.Comma(n.Int64)
}

func formatSeconds(n sql.NullInt64) string {
	if !n.Valid {
		return "-"
	}
	return (time.Duration(n.Int64) * time.Second).String()
}

func formatUnix(n sql.NullInt64) string {
	if !n.Valid {
		return "-"
	}
	return time.Unix(n.Int64, 0).Format(time.DateTime)
}

func init() {
	f := queryCmd.Flags()
	f.String("bvid", "", "exact item id")
	f.String("title", "", "title contains")
	f.String("tags", "", "tags contain")
	f.String("uname", "", "author name contains")
	f.String("since", "", `indexed at or after: a duration ("48h"), a date, or a phrase ("last monday")`)
	f.StringP("order", "o", "", "order key with optional +/- prefix")
	f.IntP("limit", "n", 50, "maximum rows (0 for all)")

	rootCmd.AddCommand(getCmd, queryCmd, statusCmd)
}
