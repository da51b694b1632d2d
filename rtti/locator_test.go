package rtti

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skdltmxn/rtti-go/internal/msvc"
)

func TestLocatorSymbolPhase(t *testing.T) {
	f := selfOnlyFixture()
	f.objectLocator(0x500, 0, 0x100, 0x200)
	f.syms.Add("A", Symbol{Name: "??_R4A@@6B@ RTTI_Complete_Object_Locator", Addr: f.addr(0x500)})
	p := f.program()
	mat := newFakeMaterializer()
	p.Materializer = mat
	abi := NewMSVCABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x100))
	require.NoError(t, err)
	assert.Equal(t, "A", class.TypeName())

	// the chain came from the locator, so nothing was materialized
	assert.Empty(t, mat.typeDes)
	assert.Empty(t, mat.chds)
	assert.Empty(t, mat.arrays)
}

func TestLocatorSymbolMustMatchDescriptor(t *testing.T) {
	f := selfOnlyFixture()
	// locator names a different type descriptor
	f.typeDescriptor(0x140, ".?AVB@@")
	f.objectLocator(0x500, 0, 0x140, 0x200)
	f.syms.Add("A", Symbol{Name: "??_R4A@@6B@ RTTI_Complete_Object_Locator", Addr: f.addr(0x500)})
	p := f.program()
	abi := NewMSVCABI()

	col, err := abi.findLocator(context.Background(), p, mustReadTD(t, abi, p, f.addr(0x100)))
	require.NoError(t, err)
	assert.Nil(t, col)
}

func TestFallbackScanMaterializesChain(t *testing.T) {
	f := selfOnlyFixture()
	p := f.program()
	mat := newFakeMaterializer()
	p.Materializer = mat
	abi := NewMSVCABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x100))
	require.NoError(t, err)
	assert.Equal(t, "A", class.TypeName())

	// discovery persisted the chain it found
	assert.Equal(t, []uint64{f.addr(0x100)}, mat.typeDes)
	assert.Equal(t, []uint64{f.addr(0x300)}, mat.arrays)
	assert.Equal(t, []uint64{f.addr(0x200)}, mat.chds)
}

func TestFallbackScanSkipsExceptionMetadata(t *testing.T) {
	f := selfOnlyFixture()
	// a decoy reference to the descriptor ahead of the real one
	f.u32(0x3f0, 0x100)
	p := f.program()
	p.ExceptionRanges = []AddrRange{{Start: f.addr(0x3f0), End: f.addr(0x3f4)}}
	abi := NewMSVCABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x100))
	require.NoError(t, err)
	assert.Equal(t, "A", class.TypeName())
}

func TestFallbackScanRejectsAllCandidates(t *testing.T) {
	f := selfOnlyFixture()
	p := f.program()
	// cover the real descriptor too
	p.ExceptionRanges = []AddrRange{{Start: f.addr(0x400), End: f.addr(0x404)}}
	abi := NewMSVCABI()

	_, err := abi.ClassFrom(context.Background(), p, f.addr(0x100))
	assert.ErrorIs(t, err, ErrNoHierarchy)
}

func TestFallbackScanSkipsInvalidChains(t *testing.T) {
	f := selfOnlyFixture()
	// a reference whose surrounding data is not a valid descriptor
	f.u32(0x3e0, 0x100)
	f.u32(0x3e4, 0xffffffff)
	p := f.program()
	abi := NewMSVCABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x100))
	require.NoError(t, err)
	assert.Equal(t, "A", class.TypeName())
}

func mustReadTD(t *testing.T, abi *MSVCABI, p *Program, addr uint64) *msvc.TypeDescriptor {
	t.Helper()
	v, err := abi.img(p).ReadTypeDescriptor(addr)
	require.NoError(t, err)
	return v
}
