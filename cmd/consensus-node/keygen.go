package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vertexledger/consensuscore/node"
)

func newKeygenCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print the submitter public key for a data directory, generating one if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir
			if dir == "" {
				dir = node.DefaultDataDir()
			}
			_, public, err := loadOrCreateKeypair(identityKeyPath(dir))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(public))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "datadir", "", "node data directory")
	return cmd
}
