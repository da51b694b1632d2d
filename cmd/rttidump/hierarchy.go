package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/rtti-go/rtti"
)

var hierarchyGraph bool

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy <image-file> <class>",
	Short: "Show the inheritance hierarchy of a class",
	Long: `Reconstruct a class and print its direct bases, virtual bases, and
base sub-object offsets.

With --graph the full ancestry is built as a directed acyclic graph and
printed in topological order, most-derived class first.`,
	Args: cobra.ExactArgs(2),
	RunE: runHierarchy,
}

func init() {
	hierarchyCmd.Flags().BoolVarP(&hierarchyGraph, "graph", "g", false, "print the full ancestry in topological order")
}

func runHierarchy(cmd *cobra.Command, args []string) error {
	p, abi, err := openProgram(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	class, err := findClass(ctx, p, abi, args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(output, "Class: %s\n", class.TypeName())
	fmt.Fprintf(output, "Type record: 0x%016X\n", class.Address())

	if len(class.Parents()) == 0 {
		fmt.Fprintf(output, "No base classes\n")
	} else {
		fmt.Fprintf(output, "\nDirect bases:\n")
		for _, parent := range class.Parents() {
			off, ok := class.OffsetOf(parent)
			if ok && off >= 0 {
				fmt.Fprintf(output, "  +%-6d %s\n", off, parent.TypeName())
			} else {
				fmt.Fprintf(output, "  +?      %s\n", parent.TypeName())
			}
		}
	}
	if vps := class.VirtualParents(); len(vps) > 0 {
		fmt.Fprintf(output, "\nVirtual bases:\n")
		for _, vp := range vps {
			fmt.Fprintf(output, "  %s\n", vp.TypeName())
		}
	}

	if hierarchyGraph {
		fmt.Fprintf(output, "\nAncestry:\n")
		return printAncestry(class)
	}
	return nil
}

// findClass scans the image's candidates for the class whose qualified
// or unqualified name matches.
func findClass(ctx context.Context, p *rtti.Program, abi rtti.ABI, name string) (*rtti.ClassTypeInfo, error) {
	candidates, err := abi.Candidates(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("candidate scan failed: %w", err)
	}
	for _, addr := range candidates {
		class, err := abi.ClassFrom(ctx, p, addr)
		if err != nil {
			continue
		}
		if class.TypeName() == name || class.Name() == name {
			return class, nil
		}
	}
	return nil, fmt.Errorf("class %q not found", name)
}

// printAncestry builds the inheritance DAG rooted at the class and
// prints it in topological order.
func printAncestry(class *rtti.ClassTypeInfo) error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	var addTree func(c *rtti.ClassTypeInfo) error
	addTree = func(c *rtti.ClassTypeInfo) error {
		if err := g.AddVertex(c.TypeName()); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return err
		}
		for _, parent := range c.Parents() {
			if err := addTree(parent); err != nil {
				return err
			}
			if err := g.AddEdge(c.TypeName(), parent.TypeName()); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return err
			}
		}
		return nil
	}
	if err := addTree(class); err != nil {
		return fmt.Errorf("failed to build ancestry graph: %w", err)
	}

	order, err := graph.TopologicalSort(g)
	if err != nil {
		return fmt.Errorf("failed to sort ancestry: %w", err)
	}
	for i, name := range order {
		fmt.Fprintf(output, "  %s%s\n", strings.Repeat("  ", i), name)
	}
	return nil
}
