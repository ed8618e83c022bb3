package ptxjit

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kernelPTX = `.visible .entry kernel(
	.param .u64 kernel_param_0,
	.param .u64 kernel_param_1
)
{
	ld.param.u64 	%rd1, [kernel_param_0];
	cvta.to.global.u64 	%rd2, %rd1;
	// <cudalend-ptx-jit-const-load-%r1-0> //
	ld.global.u32 	%r1, [%rd2];
	ld.global.u32 	%r2, [%rd2+4];
	ld.global.f32 	%f1, [%rd2+8];
	ld.global.v2.u32 	{%r3, %r4}, [%rd2+12];
	ld.global.f64 	%fd1, [%rd2+24];
	ld.global.u16 	%rs1, [%rd2+32];
	ld.global.u32 	%r5, [%rd3];
	ret;
}
`

func param0() []byte {
	b := make([]byte, 34)
	binary.LittleEndian.PutUint32(b[0:], 0x11223344)
	binary.LittleEndian.PutUint32(b[4:], 7)
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(1))
	binary.LittleEndian.PutUint32(b[12:], 1)
	binary.LittleEndian.PutUint32(b[16:], 2)
	binary.LittleEndian.PutUint64(b[24:], math.Float64bits(2))
	binary.LittleEndian.PutUint16(b[32:], 0xBEEF)
	return b
}

func TestConstLoads(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	loads := c.ConstLoads()
	require.Len(t, loads, 6)

	assert.Equal(t, ConstLoad{
		Instruction: "ld.global.u32 \t%r1, [%rd2];",
		Param:       0,
		Offset:      0,
		Width:       4,
		Registers:   []string{"%r1"},
	}, loads[0])
	assert.Equal(t, []string{"%r3", "%r4"}, loads[3].Registers)
	assert.Equal(t, 12, loads[3].Offset)
	assert.Equal(t, 8, loads[4].Width)
	assert.Equal(t, 2, loads[5].Width)
}

func TestInitialStateIsInput(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	res := c.WithArguments(nil)
	assert.False(t, res.Recomputed)
	assert.Equal(t, kernelPTX, string(res.PTX))
}

func TestSpecialise(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	res := c.WithArguments([][]byte{param0(), nil})
	require.True(t, res.Recomputed)
	ptx := string(res.PTX)

	for _, want := range []string{
		"mov.u32 \t%r1, 0x11223344U;",
		"mov.u32 \t%r2, 0x00000007U;",
		"mov.f32 \t%f1, 0f3F800000;",
		"mov.u32 \t%r3, 0x00000001U; mov.u32 \t%r4, 0x00000002U;",
		"mov.f64 \t%fd1, 0d4000000000000000;",
		"mov.u16 \t%rs1, 0xBEEFU;",
		"ld.global.u32 \t%r5, [%rd3];",
		"// <cudalend-ptx-jit-const-load-%r1-0> //",
	} {
		assert.Contains(t, ptx, want)
	}
	assert.NotContains(t, ptx, "[%rd2")
}

func TestShortArgumentKeepsLoad(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	ptx := string(c.WithArguments([][]byte{param0()[:16]}).PTX)

	assert.Contains(t, ptx, "mov.u32 \t%r2, 0x00000007U;")
	// the vector load needs bytes 12..20
	assert.Contains(t, ptx, "ld.global.v2.u32 \t{%r3, %r4}, [%rd2+12];")
	assert.Contains(t, ptx, "ld.global.f64 \t%fd1, [%rd2+24];")
}

func TestMissingArgumentKeepsSource(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	assert.Equal(t, kernelPTX, string(c.WithArguments([][]byte{nil, nil}).PTX))
	assert.Equal(t, kernelPTX, string(c.WithArguments([][]byte{}).PTX))
}

func TestRecomputeOnlyWhenArgumentsChange(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	arg := param0()

	first := c.WithArguments([][]byte{arg, nil})
	assert.True(t, first.Recomputed)

	again := c.WithArguments([][]byte{param0(), nil})
	assert.False(t, again.Recomputed)
	assert.Equal(t, first.PTX, again.PTX)

	// one changed byte in one of two arguments is enough
	changed := param0()
	changed[4] = 8
	res := c.WithArguments([][]byte{changed, nil})
	assert.True(t, res.Recomputed)
	assert.Contains(t, string(res.PTX), "mov.u32 \t%r2, 0x00000008U;")

	assert.True(t, c.WithArguments([][]byte{changed, {}}).Recomputed, "nil and empty entries differ")
	assert.True(t, c.WithArguments([][]byte{changed}).Recomputed, "length differs")

	res = c.WithArguments(nil)
	assert.True(t, res.Recomputed)
	assert.Equal(t, kernelPTX, string(res.PTX))
	assert.False(t, c.WithArguments(nil).Recomputed)
}

func TestArgumentsAreCopied(t *testing.T) {
	t.Parallel()
	c := New([]byte(kernelPTX))
	arg := param0()
	c.WithArguments([][]byte{arg})
	arg[4] = 9
	assert.True(t, c.WithArguments([][]byte{arg}).Recomputed)
}

func TestUnmarkedPTX(t *testing.T) {
	t.Parallel()
	src := strings.ReplaceAll(kernelPTX, "// <cudalend-ptx-jit-const-load-%r1-0> //", "")
	c := New([]byte(src))
	assert.Empty(t, c.ConstLoads())
	assert.Equal(t, src, string(c.WithArguments([][]byte{param0()}).PTX))
}
