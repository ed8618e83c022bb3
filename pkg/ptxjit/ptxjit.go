// Package ptxjit specialises PTX to the values of kernel arguments.
//
// Kernels mark a parameter for specialisation with a const-load marker
// comment next to a dummy "ld.global.u32 %rT, [%rB];" load. Every later
// global load through the base register %rB can then be replaced by mov
// instructions carrying the argument bytes as immediates.
package ptxjit

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
)

// ConstLoad is one global load that reads from a marked parameter.
type ConstLoad struct {
	Instruction string   `json:"instruction"`
	Param       int      `json:"param"`
	Offset      int      `json:"offset"`
	Width       int      `json:"width"`
	Registers   []string `json:"registers"`
}

type element struct {
	src  []byte
	load *ConstLoad
}

// Result is the PTX for one argument set.
type Result struct {
	PTX []byte
	// Recomputed is false when PTX came from the cache of the previous call.
	Recomputed bool
}

// Compiler caches the PTX produced for the last argument set. It is safe
// for concurrent use.
type Compiler struct {
	elements []element
	loads    []ConstLoad

	mu       sync.Mutex
	lastArgs [][]byte
	lastSet  bool
	lastPTX  []byte
}

// New preprocesses ptx. The input is not retained.
func New(ptx []byte) *Compiler {
	markers := make(map[string]int)
	for _, m := range constMarkerRegexp.FindAllSubmatch(ptx, -1) {
		param, err := strconv.Atoi(string(m[2]))
		if err != nil {
			continue
		}
		markers[string(m[1])] = param
	}

	baseRegisters := make(map[string]int)
	for _, m := range constBaseRegisterRegexp.FindAllSubmatch(ptx, -1) {
		if param, ok := markers[string(m[1])]; ok {
			baseRegisters[string(m[2])] = param
		}
	}

	c := &Compiler{lastPTX: bytes.Clone(ptx)}
	if c.lastPTX == nil {
		c.lastPTX = []byte{}
	}

	names := constLoadRegexp.SubexpNames()
	group := func(m []int, name string) []byte {
		for i, n := range names {
			if n == name && m[2*i] >= 0 {
				return ptx[m[2*i]:m[2*i+1]]
			}
		}
		return nil
	}

	from := 0
	for _, m := range constLoadRegexp.FindAllSubmatchIndex(ptx, -1) {
		param, ok := baseRegisters[string(group(m, "basereg"))]
		if !ok {
			continue
		}
		offset := 0
		if off := group(m, "loadoffset"); off != nil {
			var err error
			if offset, err = strconv.Atoi(string(off)); err != nil {
				continue
			}
		}
		width, _ := strconv.Atoi(string(group(m, "loadwidth")))

		start, end := m[0], m[1]
		c.elements = append(c.elements, element{src: bytes.Clone(ptx[from:start])})
		from = end

		load := &ConstLoad{
			Instruction: string(ptx[start:end]),
			Param:       param,
			Offset:      offset,
			Width:       width / 8,
		}
		for _, r := range registerRegexp.FindAll(group(m, "constreg"), -1) {
			load.Registers = append(load.Registers, string(r))
		}
		c.elements = append(c.elements, element{load: load})
		c.loads = append(c.loads, *load)
	}
	if from < len(ptx) {
		c.elements = append(c.elements, element{src: bytes.Clone(ptx[from:])})
	}
	return c
}

// ConstLoads lists the loads that can be specialised, in source order.
func (c *Compiler) ConstLoads() []ConstLoad {
	out := make([]ConstLoad, len(c.loads))
	for i, l := range c.loads {
		l.Registers = append([]string(nil), l.Registers...)
		out[i] = l
	}
	return out
}

// WithArguments returns PTX specialised to args, indexed by kernel
// parameter. A nil args disables specialisation; a nil entry leaves the
// loads of that parameter untouched. The PTX is rebuilt only when args
// differ from the previous call. The returned PTX must not be modified.
func (c *Compiler) WithArguments(args [][]byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.needsRecomputation(args) {
		return Result{PTX: c.lastPTX}
	}

	if args == nil {
		c.lastArgs, c.lastSet = nil, false
	} else {
		c.lastArgs = make([][]byte, len(args))
		for i, a := range args {
			if a != nil {
				c.lastArgs[i] = bytes.Clone(a)
			}
		}
		c.lastSet = true
	}
	c.lastPTX = c.build(c.lastArgs, c.lastSet)
	return Result{PTX: c.lastPTX, Recomputed: true}
}

func (c *Compiler) needsRecomputation(args [][]byte) bool {
	if (args != nil) != c.lastSet {
		return true
	}
	if args == nil {
		return false
	}
	if len(args) != len(c.lastArgs) {
		return true
	}
	for i, a := range args {
		b := c.lastArgs[i]
		if (a == nil) != (b == nil) || !bytes.Equal(a, b) {
			return true
		}
	}
	return false
}

func (c *Compiler) build(args [][]byte, specialise bool) []byte {
	var out bytes.Buffer
	for _, e := range c.elements {
		if e.load == nil {
			out.Write(e.src)
			continue
		}
		if !specialise {
			out.WriteString(e.load.Instruction)
			continue
		}
		if mov, ok := e.load.mov(args); ok {
			out.Write(mov)
		} else {
			out.WriteString(e.load.Instruction)
		}
	}
	return out.Bytes()
}

const hexDigits = "0123456789ABCDEF"

// mov renders the load as immediate moves, or reports false when the
// argument does not cover every loaded byte.
func (l *ConstLoad) mov(args [][]byte) ([]byte, bool) {
	if len(l.Registers) == 0 || l.Param >= len(args) || args[l.Param] == nil {
		return nil, false
	}
	arg := args[l.Param]

	var buf []byte
	offset := l.Offset
	for i, reg := range l.Registers {
		if offset+l.Width > len(arg) {
			return nil, false
		}
		value := arg[offset : offset+l.Width]
		offset += l.Width

		if i > 0 {
			buf = append(buf, ' ')
		}
		isInt := strings.IndexByte(reg, 'r') >= 0

		buf = append(buf, "mov."...)
		if isInt {
			buf = append(buf, 'u')
		} else {
			buf = append(buf, 'f')
		}
		switch {
		case strings.IndexByte(reg, 's') >= 0:
			buf = append(buf, "16"...)
		case strings.IndexByte(reg, 'd') >= 0:
			buf = append(buf, "64"...)
		default:
			buf = append(buf, "32"...)
		}
		buf = append(buf, " \t"...)
		buf = append(buf, reg...)
		buf = append(buf, ", 0"...)
		switch {
		case isInt:
			buf = append(buf, 'x')
		case strings.IndexByte(reg, 'd') >= 0:
			buf = append(buf, 'd')
		default:
			buf = append(buf, 'f')
		}
		// little-endian argument bytes, most significant first
		for j := len(value) - 1; j >= 0; j-- {
			buf = append(buf, hexDigits[value[j]>>4], hexDigits[value[j]&0x0F])
		}
		if isInt {
			buf = append(buf, 'U')
		}
		buf = append(buf, ';')
	}
	return buf, true
}
