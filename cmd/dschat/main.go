package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	o := &chatOptions{in: in, out: out}

	cmd := &cobra.Command{
		Use:   "dschat",
		Short: "dschat is an interactive terminal chat with DeepSeek models",
		Long: `dschat reads messages from standard input and streams the model's answers.
Type exit, quit or q to end the session.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// the logger is reinitialized now that --log-level and co are parsed
			return initLogger(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}

	o.addFlags(cmd)
	addLoggingFlags(cmd)

	return cmd
}

func main() {
	rootCmd := newRootCmd(os.Stdin, os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
