// Command relaymeshctl provides one-shot operator actions that don't
// belong in a long-running daemon: minting bearer tokens, inspecting a
// running relay's routing table, and reporting version information.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/relay"
)

// version is set by release tooling; "dev" covers local builds.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaymeshctl",
		Short:         "Operator CLI for a RelayMesh relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newTokenCmd(),
		newRouteCmd(),
		newVersionCmd(),
	)

	return root
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		secret  string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token for an agent to present at Connect time",
		Long: `Issue a signed bearer token without standing up a relay.

Examples:
  relaymeshctl token issue --secret $RELAYMESH_SECRET --subject agent-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			tok, err := relay.GenerateToken(secret, subject)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "shared secret matching the relay's auth.shared_secret")
	cmd.Flags().StringVar(&subject, "subject", "", "subject to embed in the token (e.g. an agent name)")
	return cmd
}

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Inspect a running relay's routing table",
	}
	cmd.AddCommand(newRouteShowCmd())
	return cmd
}

func newRouteShowCmd() *cobra.Command {
	var (
		adminAddr string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Dump the routing table and per-tunnel stats from a relay's admin endpoint",
		Long: `Fetch the current routing table snapshot from a relay's admin
introspection endpoint (admin.addr in the relay's config).

Examples:
  relaymeshctl route show --admin-addr http://127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminAddr == "" {
				return fmt.Errorf("--admin-addr is required")
			}
			snap, err := fetchSnapshot(adminAddr)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "base URL of the relay's admin endpoint, e.g. http://127.0.0.1:9090")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON snapshot")
	return cmd
}

func fetchSnapshot(adminAddr string) (*relay.RouteSnapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(adminAddr + "/snapshot")
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin endpoint returned %s", resp.Status)
	}
	var snap relay.RouteSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

func printSnapshot(snap *relay.RouteSnapshot) {
	fmt.Printf("%-30s %-12s %s\n", "KEY", "KIND", "TUNNEL")
	for host, id := range snap.Routes.Hosts {
		fmt.Printf("%-30s %-12s %s\n", host, "host", id)
	}
	for sni, id := range snap.Routes.SNIs {
		fmt.Printf("%-30s %-12s %s\n", sni, "sni", id)
	}
	for port, id := range snap.Routes.Ports {
		fmt.Printf("%-30d %-12s %s\n", port, "port", id)
	}

	if len(snap.Stats) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("%-40s %-10s %-12s %-12s %s\n", "TUNNEL", "STREAMS", "BYTES_IN", "BYTES_OUT", "CONNECTED_SINCE")
	for id, st := range snap.Stats {
		fmt.Printf("%-40s %-10d %-12d %-12d %s\n",
			id, st.OpenStreams, st.BytesIn, st.BytesOut, st.ConnectedSince.Format(time.RFC3339))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relaymeshctl's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
