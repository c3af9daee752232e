package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/spf13/cobra"

	"github.com/tskulbru/kvile/internal/docsync"
	"github.com/tskulbru/kvile/internal/errdef"
	"github.com/tskulbru/kvile/internal/parser"
	"github.com/tskulbru/kvile/internal/pipeline"
	"github.com/tskulbru/kvile/internal/restfile"
	"github.com/tskulbru/kvile/internal/restwriter"
)

type requestEdits struct {
	method        string
	url           string
	headers       []string
	removeHeaders []string
	body          string
	setBody       bool
}

func newEditCommand() *cobra.Command {
	var (
		sel    pipeline.Selector
		edits  requestEdits
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "edit <file>",
		Short: "Rewrite one request in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return errdef.Wrap(errdef.CodeFilesystem, err, "read %s", path)
			}
			edits.setBody = cmd.Flags().Changed("body")

			original := string(data)
			updated, line, err := applyEdits(original, sel, edits)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprint(out, udiff.Unified(path, path, original, updated))
				return nil
			}
			if updated == original {
				fmt.Fprintln(out, "no changes")
				return nil
			}
			if err := restwriter.WriteFile(path, updated); err != nil {
				return err
			}
			fmt.Fprintf(out, "updated %s, request now at line %d\n", path, line)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&sel.Line, "line", "l", 1, "1-based line inside the request")
	flags.StringVarP(&sel.Name, "name", "n", "", "Request name (overrides --line)")
	flags.StringVar(&edits.method, "method", "", "Replace the method")
	flags.StringVar(&edits.url, "url", "", "Replace the URL")
	flags.StringArrayVarP(&edits.headers, "header", "H", nil, `Set a header ("Name: value", repeatable)`)
	flags.StringArrayVar(&edits.removeHeaders, "remove-header", nil, "Remove a header (repeatable)")
	flags.StringVar(&edits.body, "body", "", "Replace the body; an empty value removes it")
	flags.BoolVar(&dryRun, "dry-run", false, "Print a unified diff instead of writing the file")
	return cmd
}

// applyEdits returns the rewritten document and the new 1-based method
// line of the edited request.
func applyEdits(document string, sel pipeline.Selector, edits requestEdits) (string, int, error) {
	reqs := parser.Parse(document)
	if len(reqs) == 0 {
		return "", 0, errdef.New(errdef.CodeParse, "document contains no requests")
	}
	target, err := pipeline.SelectRequest(document, reqs, sel)
	if err != nil {
		return "", 0, err
	}

	updated := target.Clone()
	if m := strings.TrimSpace(edits.method); m != "" {
		updated.Method = strings.ToUpper(m)
	}
	if u := strings.TrimSpace(edits.url); u != "" {
		updated.URL = u
	}
	for _, name := range edits.removeHeaders {
		restfile.DelHeader(updated.Headers, strings.TrimSpace(name))
	}
	for _, raw := range edits.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return "", 0, errdef.New(errdef.CodeParse, "invalid header %q, expected \"Name: value\"", raw)
		}
		restfile.SetHeader(updated.Headers, strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if edits.setBody {
		if edits.body == "" {
			updated.Body = nil
		} else {
			body := edits.body
			updated.Body = &body
		}
	}

	content, line := docsync.UpdateRequestInContent(document, target, updated, reqs)
	return content, line, nil
}
