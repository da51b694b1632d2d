package main

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var (
	outputFile string
	verbose    bool
	output     io.Writer
)

var rootCmd = &cobra.Command{
	Use:   "rttidump",
	Short: "C++ RTTI viewer and class reconstructor",
	Long: `rttidump reconstructs C++ class type information from compiled
binary images.

It parses MSVC RTTI records in PE images and Itanium ABI typeinfo
records in ELF images, rebuilds class hierarchies with their base
offsets, and dumps virtual function tables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetHandler(cli.New(os.Stderr))
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		if outputFile != "" {
			f, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			output = f
		} else {
			output = os.Stdout
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if f, ok := output.(*os.File); ok && f != os.Stdout {
			f.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output", "o", "", "write output to file instead of stdout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(classesCmd)
	rootCmd.AddCommand(hierarchyCmd)
	rootCmd.AddCommand(vtableCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
