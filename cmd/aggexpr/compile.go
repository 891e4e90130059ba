package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/parser"
)

func newCompileCmd() *cobra.Command {
	var (
		indent   bool
		maxDepth int
		validate bool
	)
	cmd := &cobra.Command{
		Use:   "compile [file|-]",
		Short: "Compile a definition file and print the resulting document",
		Long: `Compile reads a YAML or JSON definition, from a file or from standard
input when the argument is "-" or missing, and prints the compiled document
as JSON.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			src, err := readSource(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			def, err := parser.Parse(src)
			if err != nil {
				return err
			}
			doc, err := def.Compile(expr.NewCompiler(expr.WithMaxDepth(maxDepth)))
			if err != nil {
				return err
			}
			if validate {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}

			var out []byte
			if indent {
				out, err = doc.MarshalIndent("  ")
			} else {
				out, err = doc.MarshalJSON()
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&indent, "indent", false, "Indent the JSON output")
	cmd.Flags().IntVar(&maxDepth, "max-depth", expr.DefaultMaxDepth, "Maximum expression nesting depth")
	cmd.Flags().BoolVar(&validate, "validate", false, "Only check that the definition compiles")
	return cmd
}

func readSource(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, parser.MaxSourceSize+1))
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}
	return data, nil
}
