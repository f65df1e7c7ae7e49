package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bili-arch/cachedb/internal/ui"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var walkCmd = &cobra.Command{
	Use:     "walk",
	GroupID: "maintenance",
	Short:   "Index every item under the root once",
	Long: `Reconcile the database with every item directory under the root.

Items whose info.json cannot be read are reported and skipped. Locks are
not checked, so run this while no downloads are in progress or let the
daemon do it instead (SIGUSR1).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		verbose, _ := cmd.Flags().GetBool("verbose")
		fmt.Printf("%s Walking %s...\n", ui.RenderAccent("🔄"), st.Root())
		start := time.Now()

		res, err := st.Walk(cmd.Context(), func(bvid string) {
			if verbose {
				fmt.Printf("   %s %s\n", ui.RenderPass("+"), bvid)
			}
		})
		if err != nil {
			return fmt.Errorf("walk failed: %w", err)
		}

		fmt.Printf("%s Walk complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Print(ui.KeyValue([][2]string{
			{"Scanned", fmt.Sprint(res.Scanned)},
			{"Changed", fmt.Sprint(res.Changed)},
			{"Failed", fmt.Sprint(res.Failed)},
		}))
		if res.Failed > 0 {
			fmt.Printf("%s %d items could not be indexed, see the log for details\n", ui.RenderWarn("⚠"), res.Failed)
		}
		return nil
	},
}

var autoremoveCmd = &cobra.Command{
	Use:     "autoremove",
	GroupID: "maintenance",
	Short:   "Drop items whose info.json is gone",
	Long: `Remove the rows of every indexed item whose info.json no longer exists.

With --grace, items whose directory changed more recently than the grace
period are kept, so an item being rewritten is not dropped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		grace, _ := cmd.Flags().GetDuration("grace")
		n, err := st.Autoremove(cmd.Context(), grace)
		if err != nil {
			return fmt.Errorf("autoremove failed: %w", err)
		}
		fmt.Printf("%s Removed %d items\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove BVID...",
	GroupID: "maintenance",
	Short:   "Remove items from the database",
	Long: `Remove the rows of the given items.

An item whose info.json still exists is kept unless --force is given. With
--verify, an existing info.json only protects the item if it still parses.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		force, _ := cmd.Flags().GetBool("force")
		verify, _ := cmd.Flags().GetBool("verify")
		yes, _ := cmd.Flags().GetBool("yes")

		if force && !yes && term.IsTerminal(int(os.Stdin.Fd())) {
			confirmed, err := confirmForce(args)
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Printf("%s Nothing removed\n", ui.RenderMuted("·"))
				return nil
			}
		}

		var failed int
		for _, bvid := range args {
			removed, err := st.RemoveItem(cmd.Context(), bvid, force, verify)
			switch {
			case err != nil:
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), bvid, err)
				failed++
			case removed:
				fmt.Printf("%s %s removed\n", ui.RenderPass("✓"), bvid)
			default:
				fmt.Printf("%s %s kept\n", ui.RenderMuted("·"), bvid)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d removals failed", failed, len(args))
		}
		return nil
	},
}

// confirmForce asks before dropping items whose metadata may still exist.
func confirmForce(ids []string) (bool, error) {
	confirmed := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Remove %d items even if their info.json exists?", len(ids))).
		Description(strings.Join(ids, " ")).
		Affirmative("Remove").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return false, fmt.Errorf("confirmation aborted: %w", err)
	}
	return confirmed, nil
}

func init() {
	walkCmd.Flags().BoolP("verbose", "v", false, "print every item that changed")

	autoremoveCmd.Flags().Duration("grace", 0, "keep items whose directory changed within this period")

	removeCmd.Flags().BoolP("force", "f", false, "remove even if info.json exists")
	removeCmd.Flags().Bool("verify", false, "remove if info.json exists but no longer parses")
	removeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation with --force")

	rootCmd.AddCommand(walkCmd, autoremoveCmd, removeCmd)
}
