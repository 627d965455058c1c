package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/djlord-it/contentguard/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntimeError
	}
	return exitSuccess
}

func newRootCommand() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:   "contentguard",
		Short: "contentguard - content protection scan and takedown service",
		Long: `contentguard scans platforms for copies of protected content, queues DMCA
takedown notices for confirmed matches and notifies profile owners.

Configuration is read from environment variables. See 'contentguard config'
for the effective values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFile(envFiles...)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	root.AddCommand(newServeCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())
	return root
}
