package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/node"
	"github.com/vertexledger/consensuscore/p2p"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Dump current leaders, mempool sizes, and uptime counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := node.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if err := node.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if cfg.SelfID == "" {
				cfg.SelfID = uuid.NewString()
			}

			n, err := node.New(cfg, zap.NewNop(), p2p.NewLoopback(cfg.SelfID))
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer func() { _ = n.Close() }()

			st, err := n.Status()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&dataDir, "datadir", "", "node data directory (overrides config)")
	return cmd
}
