// Command evcrypt encrypts plaintext files into containers, and inspects
// or extracts existing ones. It is the CLI surface over the evcrypt
// library: a thin cobra wrapper that does argument parsing and reporting,
// with all real work delegated to the internal packages.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zqbxx/evcrypt/internal/exitcodes"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitcodes.Err2Exit(err))
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "evcrypt",
		Short:         "Encrypt and inspect block-indexed encrypted containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: "15:04:05",
			})
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newEncryptCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func fatalf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	log.Error().Msg(err.Error())
	return err
}
