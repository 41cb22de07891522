// gatewayctl is the operator's introspection CLI: session lookup, VTXO
// inventory snapshots, balances, and cooperative session cancellation. It
// reads the same store the daemon writes and never mutates outside the
// session manager's cancellation path.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/arkrelay/gateway/config"
	"github.com/arkrelay/gateway/internal/lnd"
	"github.com/arkrelay/gateway/internal/session"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/logger"

	"github.com/jinzhu/copier"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	Cfg     config.ApiConfig
	db      *store.DB
)

func ensureStore(cmd *cobra.Command, args []string) error {
	if db != nil {
		return nil
	}
	if err := logger.Init("production"); err != nil {
		return err
	}
	if err := config.Load(config.Resolve(cfgPath), &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	var dbCfg store.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return err
	}
	var err error
	db, err = store.NewDB(dbCfg)
	return err
}

var rootCmd = &cobra.Command{
	Use:               "gatewayctl",
	Short:             "Operator introspection for the settlement gateway",
	PersistentPreRunE: ensureStore,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Signing session operations",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := store.NewSessionRepository()
		s, err := repo.Get(cmd.Context(), db.Pool(), args[0])
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Request cooperative cancellation of a non-terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := session.NewManager(db, session.DefaultConfig(), nil)
		if err := mgr.RequestCancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancellation requested; the running ceremony honors it at its next step boundary")
		return nil
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <asset-id>",
	Short: "Show available VTXO inventory for an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := store.NewVTXORepository()
		count, err := repo.CountAvailable(cmd.Context(), db.Pool(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("available vtxos for %s: %d\n", args[0], count)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user-pubkey> <asset-id>",
	Short: "Show a user's balance and reserve split",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := store.NewBalanceRepository()
		rr, err := repo.ReserveRequirement(cmd.Context(), db.Pool(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(rr)
	},
}

var liquidityCmd = &cobra.Command{
	Use:   "liquidity",
	Short: "Show the Lightning node's outbound/inbound/on-chain split",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var lndCfg lnd.Config
		if err := copier.Copy(&lndCfg, &Cfg.LND); err != nil {
			return err
		}
		client, err := lnd.NewClient(lndCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to lightning daemon: %w", err)
		}
		defer client.Close()

		liquidity, err := client.GetLiquidity(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(liquidity)
	},
}

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List registered assets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := store.NewAssetRepository(db)
		assets, err := repo.List(cmd.Context(), db.Pool())
		if err != nil {
			return err
		}
		return printJSON(assets)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.toml", "path to config file")
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(liquidityCmd)
	rootCmd.AddCommand(assetsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
