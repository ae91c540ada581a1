package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quantarax/verisync/daemon/api/server"
)

// apiClient talks to a running daemon's control API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base:  "http://" + addr,
		token: os.Getenv(server.AuthTokenEnv),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, q url.Values, out interface{}) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var jerr server.JSONError
		if json.NewDecoder(resp.Body).Decode(&jerr) == nil && jerr.Message != "" {
			return fmt.Errorf("%s: %s", jerr.Code, jerr.Message)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addAPIFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "api", "127.0.0.1:8080", "daemon API address")
}

func transfersCmd() *cobra.Command {
	var addr, state string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List transfer sessions of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			var resp server.ListTransfersResponse
			if err := newAPIClient(addr).get("/api/v1/transfers", q, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tDIR\tSTATE\tHASH\tPEER\tBYTES\tSTARTED\tERROR")
			for _, t := range resp.Transfers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.10s\t%s\t%s\t%s\t%s\n",
					t.SessionID, t.Direction, t.State, t.Hash, t.Peer,
					humanize.IBytes(t.Bytes), humanize.Time(time.UnixMilli(t.StartTime)), t.ErrorKind)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if resp.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "... %d of %d shown\n", len(resp.Transfers), resp.TotalCount)
			}
			return nil
		},
	}
	addAPIFlag(cmd, &addr)
	cmd.Flags().StringVar(&state, "state", "", "only sessions in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one transfer session of a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st server.GetTransferStatusResponse
			if err := newAPIClient(addr).get("/api/v1/transfer/"+url.PathEscape(args[0])+"/status", nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:   %s (%s)\n", st.SessionID, st.Direction)
			fmt.Fprintf(out, "hash:      %s\n", st.Hash)
			fmt.Fprintf(out, "peer:      %s\n", st.Peer)
			fmt.Fprintf(out, "state:     %s\n", st.State)
			fmt.Fprintf(out, "size:      %s\n", humanize.IBytes(st.Size))
			fmt.Fprintf(out, "committed: %s\n", st.Committed)
			fmt.Fprintf(out, "progress:  %.1f%% at %.2f MiB/s\n", st.ProgressPercent, st.TransferRateMbps)
			if st.ErrorKind != "" {
				fmt.Fprintf(out, "error:     %s: %s\n", st.ErrorKind, st.ErrorMessage)
			}
			return nil
		},
	}
	addAPIFlag(cmd, &addr)
	return cmd
}
