package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tskulbru/kvile/internal/errdef"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type globalOptions struct {
	envName   string
	workspace string
	logLevel  string
	verbose   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "kvile",
		Short: "Compile and send requests from .http files",
		Long: `kvile reads .http/.rest documents, resolves variables, runs request
scripts, applies auth and sends the request.

Examples:
  kvile send api.http --line 12 --env dev
  kvile run api.http
  kvile edit api.http --name login --header "X-Trace: 1" --dry-run`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return configureLogging(cmd.ErrOrStderr(), opts.logLevel)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.envName, "env", "e", "", "Environment name to use")
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "Directory holding environment files (defaults to the file's directory)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show response headers and script logs")

	root.AddCommand(
		newSendCommand(opts),
		newRunCommand(opts),
		newListCommand(),
		newEditCommand(),
		newImportCurlCommand(),
		newVersionCommand(),
	)
	return root
}

// configureLogging points the global logger at a console writer. An empty
// level leaves the settings file to decide once it is loaded.
func configureLogging(out io.Writer, level string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	if strings.TrimSpace(level) == "" {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		return nil
	}
	return setLogLevel(level)
}

func setLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return errdef.Wrap(errdef.CodeConfig, err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kvile %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			if sum, err := executableChecksum(); err == nil {
				fmt.Fprintf(out, "  sha256: %s\n", sum)
			} else {
				fmt.Fprintf(out, "  sha256: unavailable (%v)\n", err)
			}
		},
	}
}

func executableChecksum() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", err
	}
	f, err := os.Open(exe)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
