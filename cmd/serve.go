package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/server"
	configx "github.com/tanpawarit/Chative-Shopping-Assistant/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the assistant over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides SERVER_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	srvCfg, err := configx.New[server.Config]("SERVER")
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		srvCfg.Addr = addr
	}

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return server.Run(ctx, *srvCfg, server.NewRouter(a.orchestrator))
}
