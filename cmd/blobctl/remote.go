package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quantarax/verisync/daemon/resolver"
	"github.com/quantarax/verisync/daemon/service"
	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/internal/collection"
	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/rangeset"
)

type peerFlags struct {
	addr string
	id   string
}

func (p *peerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.addr, "peer", "", "address of the remote daemon (host:port)")
	cmd.Flags().StringVar(&p.id, "peer-id", "", "expected peer id of the remote daemon")
	_ = cmd.MarkFlagRequired("peer")
}

func (p *peerFlags) peer() (service.Peer, error) {
	peer := service.Peer{Addr: p.addr}
	if p.id != "" {
		id, err := identity.ParsePeerID(p.id)
		if err != nil {
			return peer, err
		}
		peer.ID = &id
	}
	return peer, nil
}

// session is an open store plus a transfer service that can dial.
type session struct {
	st  *store.FileStore
	svc *service.TransferService
}

func (g *globalFlags) session(ctx context.Context) (*session, error) {
	st, cfg, err := g.openStore(ctx)
	if err != nil {
		return nil, err
	}
	ident, err := identity.LoadOrCreate(cfg.KeysDirectory)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	svc, err := service.NewTransferService(cfg, service.Deps{Store: st, Identity: ident, Logger: g.logger()})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{st: st, svc: svc}, nil
}

func fetchCmd(g *globalFlags) *cobra.Command {
	var pf peerFlags
	var ranges, out string
	cmd := &cobra.Command{
		Use:   "fetch <hash>",
		Short: "Fetch a blob, or ranges of it, from a remote daemon",
		Long: "Fetch a blob from a remote daemon, verifying every chunk as it arrives.\n" +
			"Ranges already verified locally are not requested again, so an\n" +
			"interrupted fetch resumes where it stopped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hashtree.ParseHash(args[0])
			if err != nil {
				return err
			}
			want, err := rangeset.Parse(ranges)
			if err != nil {
				return fmt.Errorf("--ranges: %w", err)
			}
			peer, err := pf.peer()
			if err != nil {
				return err
			}
			sess, err := g.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.st.Close()

			conn, err := sess.svc.Dial(cmd.Context(), peer)
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := sess.svc.Fetch(cmd.Context(), conn, conn.RemotePeerID().Short(), h, want)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s received, committed %q\n",
					res.State, h.Short(), humanize.IBytes(res.BytesReceived), res.Committed.String())
			}
			if err != nil {
				return err
			}
			if out != "" {
				path, err := filepath.Abs(out)
				if err != nil {
					return err
				}
				return store.ExportFile(cmd.Context(), sess.st, h, path)
			}
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().StringVar(&ranges, "ranges", "", `byte ranges to fetch, e.g. "0-1048576" (default whole blob)`)
	cmd.Flags().StringVarP(&out, "output", "o", "", "export the blob to this file once complete")
	return cmd
}

func collectionCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Create, inspect and fetch collections",
	}
	cmd.AddCommand(collectionCreateCmd(g), collectionShowCmd(g), collectionFetchCmd(g))
	return cmd
}

func collectionCreateCmd(g *globalFlags) *cobra.Command {
	var pin bool
	cmd := &cobra.Command{
		Use:   "create <dir>",
		Short: "Import every file under dir and store a manifest naming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			m, err := collection.FromDir(cmd.Context(), args[0], func(ctx context.Context, path string) (hashtree.Hash, uint64, error) {
				return store.ImportFile(ctx, s, path, nil)
			})
			if err != nil {
				return err
			}
			_, data, err := m.Hash()
			if err != nil {
				return err
			}
			mh, err := store.ImportBytes(s, data)
			if err != nil {
				return err
			}
			if pin {
				if err := s.AddRef(mh); err != nil {
					return err
				}
				for _, e := range m.Entries {
					if err := s.AddRef(e.Hash); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d entries, %s\n", mh, len(m.Entries), humanize.IBytes(m.TotalSize()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&pin, "pin", false, "reference the manifest and every entry")
	return cmd
}

func collectionShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <manifest-hash>",
		Short: "List the entries of a stored manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hashtree.ParseHash(args[0])
			if err != nil {
				return err
			}
			s, _, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			data, err := readRange(s, h)
			if err != nil {
				return err
			}
			m, err := collection.Decode(data)
			if err != nil {
				return err
			}
			for _, e := range m.Entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %8s  %s\n", e.Hash, humanize.IBytes(e.Size), e.Name)
			}
			return nil
		},
	}
}

func collectionFetchCmd(g *globalFlags) *cobra.Command {
	var pf peerFlags
	var pin bool
	cmd := &cobra.Command{
		Use:   "fetch <manifest-hash>",
		Short: "Fetch a manifest and every entry it names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := hashtree.ParseHash(args[0])
			if err != nil {
				return err
			}
			peer, err := pf.peer()
			if err != nil {
				return err
			}
			sess, err := g.session(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.st.Close()

			conn, err := sess.svc.Dial(cmd.Context(), peer)
			if err != nil {
				return err
			}
			defer conn.Close()
			c, err := sess.svc.FetchCollection(cmd.Context(), conn, conn.RemotePeerID().Short(), h, pin)
			if c != nil {
				for _, e := range c.Entries {
					state := "?"
					if e.Result != nil {
						state = e.Result.State.String()
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s  %8s  %s\n", state, e.Hash.Short(), humanize.IBytes(e.Size), e.Name)
				}
			}
			var cerr *resolver.CollectionError
			if errors.As(err, &cerr) {
				for _, f := range cerr.Failed {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v (committed %q)\n", f.Name, f.Err, f.Committed.String())
				}
			}
			return err
		},
	}
	pf.register(cmd)
	cmd.Flags().BoolVar(&pin, "pin", false, "reference the collection once complete")
	return cmd
}

func idCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local peer id, creating the identity if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			ident, err := identity.LoadOrCreate(cfg.KeysDirectory)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ident.ID)
			return nil
		},
	}
}
