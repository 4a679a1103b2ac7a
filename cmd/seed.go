package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/shop"
	configx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/config"
	databasex "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/database"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the catalog schema and load the sample products",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().Bool("reset", false, "drop existing tables before seeding")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dbCfg, err := configx.New[databasex.Config]("DATABASE")
	if err != nil {
		return err
	}
	db, err := databasex.Open(ctx, *dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if err := shop.DropSchema(ctx, db); err != nil {
			return err
		}
	}
	if err := shop.CreateSchema(ctx, db); err != nil {
		return err
	}
	n, err := shop.Seed(ctx, db)
	if err != nil {
		return err
	}

	if n == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "catalog already populated, nothing to seed")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d products\n", n)
	return nil
}
