package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/marketrelay/internal/db"
	"github.com/neboloop/marketrelay/internal/svc"
)

// StatusCmd asks a running relay for its state.
func StatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := fetchLocal(cmd.Context(), "/status")
			if err != nil {
				return err
			}
			if jsonOut {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var st svc.Status
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	return cmd
}

func printStatus(w io.Writer, st svc.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", st.Version)
	fmt.Fprintf(tw, "backend\t%s\n", st.Connection.State)
	if st.Connection.SessionID != "" {
		fmt.Fprintf(tw, "session\t%s\n", st.Connection.SessionID)
	}
	if st.Connection.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", st.Connection.LastError)
	}
	fmt.Fprintf(tw, "extension channel\t%s (connected: %t)\n", st.Bridge.Channel, st.Bridge.Connected)
	if st.Bridge.Origin != "" {
		fmt.Fprintf(tw, "extension origin\t%s\n", st.Bridge.Origin)
	}
	fmt.Fprintf(tw, "pending requests\t%d\n", st.Bridge.Pending)
	fmt.Fprintf(tw, "pages attached\t%d\n", st.Pages)
	tw.Flush()
}

// AuditCmd lists the most recent commands the relay handled.
func AuditCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recently relayed commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := fetchLocal(cmd.Context(), fmt.Sprintf("/audit?n=%d", n))
			if err != nil {
				return err
			}
			var recs []db.CommandRecord
			if err := json.Unmarshal(body, &recs); err != nil {
				return fmt.Errorf("decode audit: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tREQUEST\tACTION\tRESULT\tDURATION")
			for _, r := range recs {
				result := "ok"
				if !r.Success {
					result = r.ErrorCode
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format(time.DateTime), r.RequestID, r.Action, result, r.Duration)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of records")
	return cmd
}

func fetchLocal(ctx context.Context, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := "http://" + ServerConfig.Extension.Listen + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay not reachable at %s: %w", ServerConfig.Extension.Listen, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return body, nil
}
