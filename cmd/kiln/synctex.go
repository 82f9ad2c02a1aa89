package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/synctex"
)

var (
	lookupFile string
	lookupLine int
	lookupPage int
	lookupX    float64
	lookupY    float64
)

// synctexCmd inspects a downloaded position map without the service in
// front of it, mirroring the lookups the API performs.
var synctexCmd = &cobra.Command{
	Use:   "synctex <map.synctex.gz>",
	Short: "Query a compiled position map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		idx, err := synctex.Parse(f)
		if err != nil {
			return err
		}

		switch {
		case lookupFile != "" && lookupLine > 0:
			pos, err := idx.SourceToPage(lookupFile, lookupLine, 0)
			if err != nil {
				return err
			}
			fmt.Printf("page %d  x=%.2fpt y=%.2fpt  y_norm=%.4f\n", pos.Page, pos.X, pos.Y, pos.YNorm)

		case lookupPage > 0:
			ref, err := idx.PageToSource(lookupPage, lookupX, lookupY)
			if err != nil {
				return err
			}
			fmt.Printf("%s:%d (column %d)\n", ref.File, ref.Line, ref.Column)

		default:
			fmt.Printf("%d records across %d files\n", idx.Len(), len(idx.Files()))
			for _, file := range idx.Files() {
				fmt.Printf("  %s\n", file)
			}
		}
		return nil
	},
}

func init() {
	synctexCmd.Flags().StringVar(&lookupFile, "file", "", "source file for forward lookup")
	synctexCmd.Flags().IntVar(&lookupLine, "line", 0, "source line for forward lookup")
	synctexCmd.Flags().IntVar(&lookupPage, "page", 0, "page for inverse lookup")
	synctexCmd.Flags().Float64Var(&lookupX, "x", 0, "x in points for inverse lookup")
	synctexCmd.Flags().Float64Var(&lookupY, "y", 0, "y in points for inverse lookup")

	rootCmd.AddCommand(synctexCmd)
}
