package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var vtableCmd = &cobra.Command{
	Use:   "vtable <image-file> <class>",
	Short: "Dump the virtual function table of a class",
	Long: `Reconstruct a class and dump its virtual function table groups:
the sub-object each group dispatches for, its displacement within the
complete object, and the function entry slots.`,
	Args: cobra.ExactArgs(2),
	RunE: runVtable,
}

func runVtable(cmd *cobra.Command, args []string) error {
	p, abi, err := openProgram(args[0])
	if err != nil {
		return err
	}

	class, err := findClass(cmd.Context(), p, abi, args[1])
	if err != nil {
		return err
	}

	vt := class.Vtable()
	if !vt.Valid() {
		fmt.Fprintf(output, "Class %s has no virtual function table\n", class.TypeName())
		return nil
	}

	fmt.Fprintf(output, "Class: %s\n\n", class.TypeName())
	for i, g := range vt.Groups() {
		kind := "primary"
		if i > 0 {
			kind = fmt.Sprintf("secondary #%d", i)
		}
		fmt.Fprintf(output, "Group %d (%s) at 0x%016X, displacement %+d:\n", i, kind, g.Addr, g.Displacement)
		fmt.Fprintf(output, "%s\n", strings.Repeat("-", 60))
		for slot, fn := range g.Entries {
			fmt.Fprintf(output, "  [%3d] 0x%016X\n", slot, fn)
		}
		fmt.Fprintln(output)
	}
	return nil
}
