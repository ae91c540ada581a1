package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the content hash of files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				info, err := f.Stat()
				if err != nil {
					f.Close()
					return err
				}
				h, _, err := hashtree.BuildFrom(f, uint64(info.Size()))
				f.Close()
				if err != nil {
					return fmt.Errorf("hashing %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", h, path)
			}
			return nil
		},
	}
}

func importCmd(g *globalFlags) *cobra.Command {
	var pin, quiet bool
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Store files as complete blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			for _, path := range args {
				var progress store.ProgressFunc
				if !quiet {
					progress = progressPrinter(cmd, filepath.Base(path))
				}
				h, size, err := store.ImportFile(cmd.Context(), s, path, progress)
				if err != nil {
					return fmt.Errorf("importing %s: %w", path, err)
				}
				if pin {
					if err := s.AddRef(h); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", h, humanize.IBytes(size), path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pin, "pin", false, "add a reference so gc keeps the blob")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress output")
	return cmd
}

// progressPrinter redraws one stderr line at most every 200ms.
func progressPrinter(cmd *cobra.Command, label string) store.ProgressFunc {
	var last time.Time
	return func(done, total uint64) {
		if done < total && time.Since(last) < 200*time.Millisecond {
			return
		}
		last = time.Now()
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%s: %s / %s", label, humanize.IBytes(done), humanize.IBytes(total))
		if done >= total {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}

func exportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <hash> <path>",
		Short: "Write a complete blob to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hashtree.ParseHash(args[0])
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return store.ExportFile(cmd.Context(), s, h, path)
		},
	}
}

func listCmd(g *globalFlags) *cobra.Command {
	var partial bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			var recs []store.BlobRecord
			if partial {
				recs, err = store.ListPartial(s)
			} else {
				recs, err = s.List()
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tSIZE\tVERIFIED\tREFS\tUPDATED")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rec.Hash, humanize.IBytes(rec.Size), verifiedColumn(&rec), rec.RefCount, humanize.Time(rec.UpdatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "only blobs that are not complete")
	return cmd
}

func verifiedColumn(rec *store.BlobRecord) string {
	if rec.Complete {
		return "complete"
	}
	if rec.Size == 0 {
		return "-"
	}
	pct := float64(rec.Verified.Len()) / float64(rec.Size) * 100
	return fmt.Sprintf("%.1f%% (%s)", pct, rec.Verified)
}

func validateCmd(g *globalFlags) *cobra.Command {
	var repair bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "validate [hash]",
		Short: "Re-verify stored blobs against their content hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) == 1 {
				h, err := hashtree.ParseHash(args[0])
				if err != nil {
					return err
				}
				kept, dropped, err := store.Reverify(cmd.Context(), s, h)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks kept, %d dropped\n", h.Short(), kept, dropped)
				return nil
			}
			reports, err := store.Validate(cmd.Context(), s, concurrency)
			if err != nil {
				return err
			}
			bad := 0
			for _, r := range reports {
				if r.OK() {
					continue
				}
				bad++
				if r.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", r.Hash, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bad chunks\n", r.Hash, len(r.Bad))
				if repair {
					if _, _, err := store.Reverify(cmd.Context(), s, r.Hash); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d blobs checked, %d bad\n", len(reports), bad)
			if bad > 0 && !repair {
				return fmt.Errorf("%d blobs failed validation", bad)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "drop chunks that fail so they can be fetched again")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "blobs checked in parallel")
	return cmd
}

func gcCmd(g *globalFlags) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete unreferenced blobs idle longer than the grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if !cmd.Flags().Changed("grace") {
				grace = cfg.Store.GCGracePeriod
			}
			removed, err := store.GC(cmd.Context(), s, grace, time.Now())
			for _, h := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), "removed", h)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum idle time (default from config)")
	return cmd
}

func pinCmd(g *globalFlags) *cobra.Command {
	return refCmd(g, "pin", "Add a reference to blobs", func(s store.Store, h hashtree.Hash) error { return s.AddRef(h) })
}

func unpinCmd(g *globalFlags) *cobra.Command {
	return refCmd(g, "unpin", "Drop a reference from blobs", func(s store.Store, h hashtree.Hash) error { return s.Unref(h) })
}

func refCmd(g *globalFlags, use, short string, apply func(store.Store, hashtree.Hash) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <hash>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			for _, arg := range args {
				h, err := hashtree.ParseHash(arg)
				if err != nil {
					return err
				}
				if err := apply(s, h); err != nil {
					return fmt.Errorf("%s: %w", h.Short(), err)
				}
			}
			return nil
		},
	}
}

// readRange reads a verified range, for "collection show".
func readRange(s store.Store, h hashtree.Hash) ([]byte, error) {
	rec, err := s.Record(h)
	if err != nil {
		return nil, err
	}
	return s.GetRange(h, rangeset.Range{Start: 0, End: rec.Size})
}
