package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tskulbru/kvile/internal/curl"
	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/restwriter"
)

func newImportCurlCommand() *cobra.Command {
	var name, out string
	cmd := &cobra.Command{
		Use:   "import-curl [command...]",
		Short: "Convert a curl command into a .http request",
		Long: "Convert a curl command into a .http request. The command is read from the\n" +
			"arguments (one quoted string, or words after --) or from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			converted, err := convertCurl(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			converted.Request.Name = name
			rendered := converted.Render()

			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), rendered)
				return nil
			}
			existing, err := os.ReadFile(out)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return errdef.Wrap(errdef.CodeFilesystem, err, "read %s", out)
			}
			if err := restwriter.WriteFile(out, appendBlock(string(existing), rendered)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %s %s to %s\n", converted.Request.Method, converted.Request.URL, out)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&name, "name", "n", "", "Request name for the ### separator")
	flags.StringVarP(&out, "out", "o", "", "Append to this .http file instead of printing")
	return cmd
}

func convertCurl(stdin io.Reader, args []string) (*curl.Command, error) {
	switch len(args) {
	case 0:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeFilesystem, err, "read stdin")
		}
		return curl.Parse(string(data))
	case 1:
		return curl.Parse(args[0])
	default:
		return curl.ParseWords(args)
	}
}

// appendBlock joins a rendered request onto a document with one blank line
// between them.
func appendBlock(document, block string) string {
	document = strings.TrimRight(document, "\r\n\t ")
	if document == "" {
		return block
	}
	return document + "\n\n" + block
}
