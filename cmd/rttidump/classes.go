package main

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var classesLimit int

var classesCmd = &cobra.Command{
	Use:   "classes <image-file>",
	Short: "Scan the image and list reconstructed classes",
	Long: `Scan a binary image for C++ type records and list every class
that reconstructs successfully, with its base and vtable counts.`,
	Args: cobra.ExactArgs(1),
	RunE: runClasses,
}

func init() {
	classesCmd.Flags().IntVarP(&classesLimit, "limit", "n", 0, "limit number of classes shown (0 = unlimited)")
}

func runClasses(cmd *cobra.Command, args []string) error {
	p, abi, err := openProgram(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	candidates, err := abi.Candidates(ctx, p)
	if err != nil {
		return fmt.Errorf("candidate scan failed: %w", err)
	}

	fmt.Fprintf(output, "%-18s %-8s %-8s %s\n", "ADDRESS", "BASES", "GROUPS", "CLASS")
	fmt.Fprintf(output, "%s\n", strings.Repeat("-", 80))

	count := 0
	for _, addr := range candidates {
		class, err := abi.ClassFrom(ctx, p, addr)
		if err != nil {
			log.WithError(err).WithField("addr", fmt.Sprintf("%#x", addr)).Debug("skipping candidate")
			continue
		}
		fmt.Fprintf(output, "0x%016X %-8d %-8d %s\n",
			class.Address(),
			len(class.Parents()),
			len(class.Vtable().Groups()),
			class.TypeName())
		count++
		if classesLimit > 0 && count >= classesLimit {
			break
		}
	}

	fmt.Fprintf(output, "\nTotal: %d classes (%s ABI)\n", count, abi.Name())
	return nil
}
