// Command consensus-node is the operator CLI: start launches a node
// against a storage path and optional peer addresses; submit posts a
// payload on behalf of a local submitter; status dumps current leaders,
// mempool sizes, and uptime counts. The authoritative client surface
// (HTTP, real gossip transport) lives outside this engine, so this
// binary drives the in-process Node directly rather than going through
// a remote API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "consensus-node",
		Short: "Run and operate a transaction-consensus node",
		Long: `consensus-node runs the cross-validated transaction-consensus engine:
accept submitter payloads, cross-validate them against peer leaders,
average completion timestamps, and finalize them on a digital-root-
addressed ledger.`,
		SilenceUsage: true,
	}
	root.AddCommand(newStartCmd(), newSubmitCmd(), newStatusCmd(), newKeygenCmd())
	return root
}
