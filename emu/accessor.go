// Package emu provides functional AMD64 emulation.
package emu

import "github.com/sarchlab/amd64sim/insts"

// Accessor reads and writes one bound operand. Widths are in bits.
type Accessor interface {
	Read(w insts.Width) (uint64, error)
	Write(w insts.Width, v uint64) error
	CompareAndSwap(w insts.Width, old, new uint64) (bool, error)
	ReadVec() (Vec128, error)
	WriteVec(v Vec128) error
}

// AccessObserver is notified of every data memory access made by the
// executor. Instruction fetch is not reported.
type AccessObserver interface {
	ObserveAccess(addr uint64, size int, write bool)
}

// dataPort is the executor's path to guest memory.
type dataPort struct {
	mem      *Memory
	observer AccessObserver
}

func (p *dataPort) note(addr uint64, size int, write bool) {
	if p.observer != nil {
		p.observer.ObserveAccess(addr, size, write)
	}
}

func (p *dataPort) load(addr uint64, w insts.Width) (uint64, error) {
	p.note(addr, w.Bytes(), false)
	return p.mem.Read(addr, w.Bytes())
}

func (p *dataPort) store(addr uint64, w insts.Width, v uint64) error {
	p.note(addr, w.Bytes(), true)
	return p.mem.Write(addr, w.Bytes(), v)
}

func (p *dataPort) cas(addr uint64, w insts.Width, old, new uint64) (bool, error) {
	p.note(addr, w.Bytes(), true)
	return p.mem.CompareAndSwap(addr, w.Bytes(), old, new)
}

func (p *dataPort) storeBytes(addr uint64, buf []byte) error {
	p.note(addr, len(buf), true)
	return p.mem.WriteBytes(addr, buf)
}

func (p *dataPort) loadVec(addr uint64) (Vec128, error) {
	p.note(addr, 16, false)
	return p.mem.ReadVec(addr)
}

func (p *dataPort) storeVec(addr uint64, v Vec128) error {
	p.note(addr, 16, true)
	return p.mem.WriteVec(addr, v)
}

type regAccessor struct {
	regs *RegFile
	reg  insts.Reg
	high bool
}

func (a *regAccessor) Read(w insts.Width) (uint64, error) {
	return a.regs.Read(a.reg, w, a.high), nil
}

func (a *regAccessor) Write(w insts.Width, v uint64) error {
	a.regs.Write(a.reg, w, a.high, v)
	return nil
}

func (a *regAccessor) CompareAndSwap(w insts.Width, old, new uint64) (bool, error) {
	if a.regs.Read(a.reg, w, a.high) != old&w.Mask() {
		return false, nil
	}
	a.regs.Write(a.reg, w, a.high, new)
	return true, nil
}

func (a *regAccessor) ReadVec() (Vec128, error) {
	return Vec128{Lo: a.regs.GPR[a.reg]}, nil
}

func (a *regAccessor) WriteVec(v Vec128) error {
	a.regs.GPR[a.reg] = v.Lo
	return nil
}

// memAccessor recomputes its effective address on every access, so base
// and index registers are always read live.
type memAccessor struct {
	res  *Resolver
	ref  insts.MemRef
	next uint64
}

func (a *memAccessor) Address() uint64 {
	return a.res.EffectiveAddress(a.next, a.ref)
}

func (a *memAccessor) Read(w insts.Width) (uint64, error) {
	return a.res.port.load(a.Address(), w)
}

func (a *memAccessor) Write(w insts.Width, v uint64) error {
	return a.res.port.store(a.Address(), w, v)
}

func (a *memAccessor) CompareAndSwap(w insts.Width, old, new uint64) (bool, error) {
	return a.res.port.cas(a.Address(), w, old, new)
}

func (a *memAccessor) ReadVec() (Vec128, error) {
	return a.res.port.loadVec(a.Address())
}

func (a *memAccessor) WriteVec(v Vec128) error {
	return a.res.port.storeVec(a.Address(), v)
}

type immAccessor struct {
	v int64
}

func (a *immAccessor) Read(w insts.Width) (uint64, error) {
	return uint64(a.v) & w.Mask(), nil
}

func (a *immAccessor) Write(insts.Width, uint64) error {
	panic(ErrImmediateWrite)
}

func (a *immAccessor) CompareAndSwap(insts.Width, uint64, uint64) (bool, error) {
	panic(ErrImmediateWrite)
}

func (a *immAccessor) ReadVec() (Vec128, error) {
	return Vec128{Lo: uint64(a.v)}, nil
}

func (a *immAccessor) WriteVec(Vec128) error {
	panic(ErrImmediateWrite)
}

// vecAccessor views an XMM register. Integer-width writes merge into the
// low bits.
type vecAccessor struct {
	vecs *VecRegFile
	idx  uint8
}

func (a *vecAccessor) Read(w insts.Width) (uint64, error) {
	return a.vecs.ReadLow(a.idx, w), nil
}

func (a *vecAccessor) Write(w insts.Width, v uint64) error {
	a.vecs.WriteLow(a.idx, w, v)
	return nil
}

func (a *vecAccessor) CompareAndSwap(w insts.Width, old, new uint64) (bool, error) {
	if a.vecs.ReadLow(a.idx, w) != old&w.Mask() {
		return false, nil
	}
	a.vecs.WriteLow(a.idx, w, new)
	return true, nil
}

func (a *vecAccessor) ReadVec() (Vec128, error) {
	return a.vecs.Read(a.idx), nil
}

func (a *vecAccessor) WriteVec(v Vec128) error {
	a.vecs.Write(a.idx, v)
	return nil
}

// noneAccessor stands in for absent operands.
type noneAccessor struct{}

func (noneAccessor) Read(insts.Width) (uint64, error)                         { return 0, nil }
func (noneAccessor) Write(insts.Width, uint64) error                          { return nil }
func (noneAccessor) CompareAndSwap(insts.Width, uint64, uint64) (bool, error) { return false, nil }
func (noneAccessor) ReadVec() (Vec128, error)                                 { return Vec128{}, nil }
func (noneAccessor) WriteVec(Vec128) error                                    { return nil }
