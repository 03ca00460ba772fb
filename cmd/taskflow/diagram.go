package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/diagram"
)

func newDiagramCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "diagram <definition-file>",
		Short: "Draw the step graph of a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return drawDiagram(cmd.Context(), args[0], format, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "output format: ascii, mermaid or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout (required for png)")
	return cmd
}

func drawDiagram(ctx context.Context, path, format, output string, out io.Writer) error {
	def, err := loadDefinitionFile(path)
	if err != nil {
		return err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "png":
		if output == "" {
			return fmt.Errorf("png output needs --output")
		}
		if data, err = diagram.RenderImage(ctx, model); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if output == "" {
		_, err = out.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(out, "wrote %s\n", output)
	return nil
}
