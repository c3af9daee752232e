package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/tskulbru/kvile/internal/filesvc"
	"github.com/tskulbru/kvile/internal/parser"
	"github.com/tskulbru/kvile/internal/pipeline"
	"github.com/tskulbru/kvile/internal/restwriter"
)

const listNameWidth = 24

var errTestsFailed = errors.New("one or more tests failed")

func newSendCommand(opts *globalOptions) *cobra.Command {
	var sel pipeline.Selector
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send the request at a line or with a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.pipeline.CompileAndSend(cmd.Context(), s.document, sel, s.sources)
			p := newPrinter(cmd.OutOrStdout(), opts.verbose)
			if res != nil {
				p.result(res)
			}
			if err != nil {
				return err
			}
			if res.FailedTests() > 0 {
				return errTestsFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&sel.Line, "line", "l", 1, "1-based line inside the request")
	cmd.Flags().StringVarP(&sel.Name, "name", "n", "", "Request name (overrides --line)")
	return cmd
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Send every request of a file in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			p := newPrinter(cmd.OutOrStdout(), opts.verbose)
			failed := 0
			for _, item := range s.pipeline.RunAll(cmd.Context(), s.document, s.sources) {
				p.heading(item.Request.Label())
				if item.Result != nil {
					p.result(item.Result)
				}
				if item.Err != nil {
					p.failure(item.Err)
					failed++
					continue
				}
				if item.Result.FailedTests() > 0 {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d request(s) failed", failed)
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "list <file|dir>",
		Short: "List the requests of a file or of every request file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := filesvc.RequestFiles(args[0], recursive)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if len(files) > 1 {
					methodColor.Fprintln(out, path)
				}
				for _, req := range parser.Parse(string(data)) {
					name := req.Name
					if name == "" {
						name = "-"
					}
					// names may hold wide runes, so pad by cell width
					name = runewidth.FillRight(runewidth.Truncate(name, listNameWidth, "…"), listNameWidth)
					fmt.Fprintf(out, "%4d  %s %s\n", req.LineNumber, name, restwriter.RequestLine(req))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	return cmd
}
