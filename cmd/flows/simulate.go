package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/istresearch/rapidpro-sub000/internal/cli"
	"github.com/istresearch/rapidpro-sub000/internal/config"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <file>",
	Short: "Play a flow in the console",
	Long: `Imports the definition into an in-memory engine and plays it as a single
contact. Outgoing messages are printed; each line typed is sent back as the
contact's reply. Type 'exit' to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// the console always runs in memory
		cfg.Redis = config.RedisConfig{}
		cfg.Database = config.DatabaseConfig{}
		cfg.Telemetry = config.TelemetryConfig{}
		cfg.Engine.AsyncActivity = false

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := cli.NewApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		flow, err := app.Engine.ImportFlow(ctx, args[0], data)
		if err != nil {
			return err
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		profile := termenv.Ascii
		if interactive && term.IsTerminal(int(os.Stdout.Fd())) {
			profile = termenv.EnvColorProfile()
		}
		contact, _ := cmd.Flags().GetString("contact")

		opts := []cli.SimulatorOption{cli.WithPrompt(interactive), cli.WithProfile(profile)}
		if contact != "" {
			opts = append(opts, cli.WithContact(contact))
		}
		sim := cli.NewSimulator(app.Engine, cmd.InOrStdin(), cmd.OutOrStdout(), opts...)
		if interactive {
			cli.PrintBanner(sim.Output())
		}
		return sim.Run(ctx, flow.UUID)
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("contact", "", "Contact UUID to simulate (random when empty)")
}
