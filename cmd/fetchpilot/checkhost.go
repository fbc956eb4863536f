package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fetchpilot/internal/netguard"
)

func newCheckHostCmd() *cobra.Command {
	var (
		resolve   bool
		blockIPv6 bool
	)
	cmd := &cobra.Command{
		Use:   "check-host <host>...",
		Short: "Show whether the fetch tool would accept each destination",
		Long: `check-host classifies each host the way the fetch tool does before it sends
a request. Hosts may be names, IPv4 or IPv6 literals, or full URLs. With
--resolve, names are also looked up and every address is checked.

The command exits non-zero when any host is refused.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := netguard.Guard{BlockIPv6Private: blockIPv6}
			var lookup lookupFunc
			if resolve {
				lookup = net.DefaultResolver.LookupNetIP
			}
			refused := checkHosts(cmd.Context(), cmd.OutOrStdout(), g, lookup, args)
			if refused > 0 {
				return fmt.Errorf("%d of %d host(s) refused", refused, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve names and check every address")
	cmd.Flags().BoolVar(&blockIPv6, "block-ipv6-private", false, "also refuse IPv6 loopback, link-local and unique-local addresses")
	return cmd
}

type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// checkHosts writes one verdict per host to w and returns how many were
// refused. lookup may be nil.
func checkHosts(ctx context.Context, w io.Writer, g netguard.Guard, lookup lookupFunc, hosts []string) int {
	if ctx == nil {
		ctx = context.Background()
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	refused := 0
	for _, raw := range hosts {
		host := hostOf(raw)
		verdict := "allowed"
		if err := g.CheckHost(host); err != nil {
			verdict = "refused"
		} else if lookup != nil && !isLiteral(host) {
			addrs, err := lookup(ctx, "ip", host)
			switch {
			case err != nil:
				verdict = "unresolved"
			default:
				for _, a := range addrs {
					if g.CheckAddr(a) != nil {
						verdict = "refused (resolves to " + a.String() + ")"
						break
					}
				}
			}
		}
		if strings.HasPrefix(verdict, "refused") {
			refused++
		}
		fmt.Fprintf(tw, "%s\t%s\n", raw, verdict)
	}
	return refused
}

// hostOf strips a scheme, port and path so URLs can be passed directly.
func hostOf(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}

func isLiteral(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}
