package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshar/internal/buildinfo"
)

type runOptions struct {
	configPath string
	demo       bool
	scenario   string
	loop       bool
	listen     string
	meshRecord string
	meshReplay string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshar",
		Short: "Mesh-node AR tracking engine",
		Long: `meshar fuses the device's motion sensors and GPS into an orientation and
position, tracks mesh nodes reported by a bridge, and projects them into the
camera view. Outputs are served as websocket streams and alerts can be
forwarded over UDP.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd(), newScenarioCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine and the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "./meshar.yaml", "path to YAML config")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "simulate the device sensors and mesh nodes (no hardware needed)")
	cmd.Flags().StringVar(&opts.scenario, "scenario", "", "replay a keyframed scenario script (implies --demo)")
	cmd.Flags().BoolVar(&opts.loop, "loop", true, "restart the scenario when it ends")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "override web.listen")
	cmd.Flags().StringVar(&opts.meshRecord, "mesh-record", "", "record mesh bridge traffic to this file")
	cmd.Flags().StringVar(&opts.meshReplay, "mesh-replay", "", "replay recorded mesh bridge traffic instead of connecting")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Work with scenario scripts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate a scenario script and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printScenarioSummary(cmd.OutOrStdout(), args[0])
		},
	})
	return cmd
}

func versionString() string {
	return "meshar " + buildinfo.Read().String()
}
