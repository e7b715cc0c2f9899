package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/httpapi"
	"github.com/R3E-Network/contract_gateway/internal/app/runtime"
	"github.com/R3E-Network/contract_gateway/internal/config"
	"github.com/R3E-Network/contract_gateway/internal/platform/migrations"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/client"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
	nodeURL    string
	apiKey     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Contract gateway node and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&opts.nodeURL, "url", "http://localhost:8080", "node API root for client commands")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("API_KEY"), "node API key")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newPriceCmd(opts),
		newCallCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(client.Config{BaseURL: o.nodeURL, APIKey: o.apiKey, Timeout: 30 * time.Second})
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := runtime.NewApplication(ctx, opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			runErr := app.Run(ctx)
			if err := app.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return runErr
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs the postgres driver, configured %q", cfg.Storage.Driver)
			}
			cfg.Storage.AutoMigrate = true
			log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
			_, closer, err := runtime.OpenStore(cmd.Context(), cfg.Storage, log)
			if err != nil {
				return err
			}
			defer closer.Close()

			names, err := migrations.Names()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(names))
			return nil
		},
	}
}

func newPriceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "price <publisher>",
		Short: "Show the deployment price of a publisher's code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			publisher, err := types.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			price, err := c.Price(cmd.Context(), publisher)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s yⓃ (%s Ⓝ)\n", price.Price, price.PriceNear)
			return nil
		},
	}
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	var (
		signer   string
		receiver string
		rawArgs  string
		deposit  string
		input    string
	)
	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Submit a function call and print its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signerID, err := types.ParseAccountID(signer)
			if err != nil {
				return fmt.Errorf("--signer: %w", err)
			}
			amount, err := config.Amount(deposit)
			if err != nil {
				return fmt.Errorf("--deposit: %w", err)
			}
			var payload json.RawMessage
			if rawArgs != "" {
				if !json.Valid([]byte(rawArgs)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				payload = json.RawMessage(rawArgs)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var target types.AccountID
			if receiver != "" {
				if target, err = types.ParseAccountID(receiver); err != nil {
					return fmt.Errorf("--receiver: %w", err)
				}
			}
			req := submitRequest(signerID, target, args[0], payload, amount)
			if input != "" {
				if req.Input, err = os.ReadFile(input); err != nil {
					return fmt.Errorf("--input-file: %w", err)
				}
			}
			resp, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("transaction failed: %s", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&signer, "signer", "", "signer account id")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver account id (default: the gateway)")
	cmd.Flags().StringVar(&rawArgs, "args", "", "JSON arguments")
	cmd.Flags().StringVar(&deposit, "deposit", "", "attached deposit in yocto")
	cmd.Flags().StringVar(&input, "input-file", "", "send the file's bytes as raw input, e.g. code for update_stored_contract")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		requestID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded gateway events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			recs, err := c.Events(cmd.Context(), requestID, limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					rec.CreatedAt.Format(time.RFC3339), rec.Event, rec.RequestID, rec.Payload)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "only events of this payment request")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}

func submitRequest(signer, receiver types.AccountID, method string, args json.RawMessage, deposit types.U128) httpapi.TransactionRequest {
	return httpapi.TransactionRequest{
		SignerID:   signer,
		ReceiverID: receiver,
		Method:     method,
		Args:       args,
		Deposit:    deposit,
	}
}
