// Command blobctl manages a local verisync blob store and fetches blobs
// and collections from remote daemons.
//
// Commands that open the store must not run while verisyncd holds it;
// use the daemon API commands (transfers, status) against a running
// daemon instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantarax/verisync/daemon/config"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/internal/observability"
)

type globalFlags struct {
	configPath string
	storeDir   string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "blobctl",
		Short:         "Content-addressed blob store and transfer tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&g.storeDir, "store", "", "store directory (default <data_directory>/blobs)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		hashCmd(),
		importCmd(g),
		exportCmd(g),
		listCmd(g),
		validateCmd(g),
		gcCmd(g),
		pinCmd(g),
		unpinCmd(g),
		collectionCmd(g),
		fetchCmd(g),
		idCmd(g),
		transfersCmd(),
		statusCmd(),
	)
	return root
}

func (g *globalFlags) config() (*config.Config, error) {
	return config.LoadConfig(g.configPath)
}

func (g *globalFlags) logger() *observability.Logger {
	if !g.verbose {
		return observability.NopLogger()
	}
	return observability.NewLogger("blobctl", "0.3.0", os.Stderr).SetLevel("debug")
}

// openStore opens the FileStore named by the flags or the config.
func (g *globalFlags) openStore(ctx context.Context) (*store.FileStore, *config.Config, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, err
	}
	dir := g.storeDir
	if dir == "" {
		dir = filepath.Join(cfg.DataDirectory, "blobs")
	}
	policy, err := store.ParseOutboardPolicy(cfg.Store.OutboardPolicy)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(ctx, dir, store.Options{OutboardPolicy: policy, Logger: g.logger()})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store %s: %w", dir, err)
	}
	return s, cfg, nil
}
