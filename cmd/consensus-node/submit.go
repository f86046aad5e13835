package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertexledger/consensuscore/node"
	"github.com/vertexledger/consensuscore/p2p"
	"github.com/vertexledger/consensuscore/wire"
)

// submitRequest is the JSON shape `submit` reads from a file or stdin:
// the caller names recipients/amounts and the UTXOs it is spending, and
// this command fills in the submitter public key, timestamp, and
// signature.
type submitRequest struct {
	Outputs []struct {
		Recipient string `json:"recipient"`
		Amount    uint64 `json:"amount"`
	} `json:"outputs"`
	Inputs []struct {
		UTXOID string `json:"utxo_id"`
		Amount uint64 `json:"amount"`
	} `json:"inputs"`
	Stake uint64 `json:"stake"`
	Fee   uint64 `json:"fee"`
	Nonce uint64 `json:"nonce"`
}

type submitResponse struct {
	Accepted bool   `json:"accepted"`
	RawTxID  string `json:"raw_tx_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func newSubmitCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		inputFile  string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Post a payload on behalf of a local submitter",
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

			var raw []byte
			if inputFile == "" || inputFile == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(inputFile)
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var req submitRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("decode payload json: %w", err)
			}

			secret, public, err := loadOrCreateKeypair(identityKeyPath(cfg.DataDir))
			if err != nil {
				return fmt.Errorf("load submitter key: %w", err)
			}

			payload := wire.TxPayload{
				Submitter: public,
				Stake:     req.Stake,
				Fee:       req.Fee,
				CreatedAt: time.Now().UnixNano(),
				Nonce:     req.Nonce,
			}
			for _, o := range req.Outputs {
				payload.Outputs = append(payload.Outputs, wire.Output{Recipient: o.Recipient, Amount: o.Amount})
			}
			for _, in := range req.Inputs {
				payload.Inputs = append(payload.Inputs, wire.Input{UTXOID: in.UTXOID, Amount: in.Amount})
			}
			if err := payload.Sign(secret); err != nil {
				return fmt.Errorf("sign payload: %w", err)
			}

			n, err := node.New(cfg, zap.NewNop(), p2p.NewLoopback(cfg.SelfID))
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer func() { _ = n.Close() }()
			if err := n.BootstrapSelfLeader(); err != nil {
				return fmt.Errorf("bootstrap self as leader: %w", err)
			}

			rawTxID, err := n.Submit(context.Background(), payload)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err != nil {
				return enc.Encode(submitResponse{Accepted: false, Reason: err.Error()})
			}
			return enc.Encode(submitResponse{Accepted: true, RawTxID: rawTxID})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&dataDir, "datadir", "", "node data directory (overrides config)")
	cmd.Flags().StringVar(&inputFile, "file", "", "path to a JSON payload file (default: stdin)")
	return cmd
}
