package main

import (
	"debug/elf"
	"fmt"

	"github.com/apex/log"

	"github.com/skdltmxn/rtti-go/image"
	"github.com/skdltmxn/rtti-go/internal/demangle"
	"github.com/skdltmxn/rtti-go/rtti"
)

// openProgram loads a binary image and binds it to a program with the
// matching ABI. ELF images get their symbol table imported so typeinfo
// and vtable symbols are available; PE images rely on heuristic scans.
func openProgram(path string) (*rtti.Program, rtti.ABI, error) {
	img, err := image.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}

	syms := rtti.NewSymbolMap()
	if img.Format() == image.FormatELF {
		loadELFSymbols(path, syms)
	}

	p := rtti.NewProgram(img, syms)
	abi, err := rtti.DetectABI(p)
	if err != nil {
		return nil, nil, err
	}
	return p, abi, nil
}

// loadELFSymbols imports defined symbols into the directory. Symbols
// that demangle to a class construct are filed under the class's
// qualified name; everything else goes under the root namespace.
func loadELFSymbols(path string, m *rtti.SymbolMap) {
	f, err := elf.Open(path)
	if err != nil {
		log.WithError(err).Debug("could not reopen image for symbols")
		return
	}
	defer f.Close()

	seen := make(map[uint64]string)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			// symtab and dynsym overlap
			if seen[s.Value] == s.Name {
				continue
			}
			seen[s.Value] = s.Name
			ns := ""
			if cn, err := demangle.ItaniumClassName(s.Name); err == nil {
				ns = cn.String()
			}
			m.Add(ns, rtti.Symbol{Name: s.Name, Addr: s.Value})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
}
