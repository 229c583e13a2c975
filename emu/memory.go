// Package emu provides functional AMD64 emulation.
package emu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the guest page size.
const PageSize = 4096

const pageMask = PageSize - 1

// Page protections, shared with mmap(2).
const (
	ProtNone  = unix.PROT_NONE
	ProtRead  = unix.PROT_READ
	ProtWrite = unix.PROT_WRITE
	ProtExec  = unix.PROT_EXEC
	ProtRW    = ProtRead | ProtWrite
	ProtRX    = ProtRead | ProtExec
	ProtRWX   = ProtRead | ProtWrite | ProtExec
)

// arena is one host mmap(2) allocation backing a run of guest pages.
type arena struct {
	mem  []byte
	live int
}

type page struct {
	data  []byte
	prot  int
	arena *arena
}

// Memory is a sparse, paged guest address space. Page contents live in
// anonymous host mappings so that several emulators can share one Memory
// and operate on it with host atomic instructions.
//
// Aligned accesses of up to 8 bytes are single host atomic operations.
// The host must be little-endian.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*page

	// splitLocks serialize compare-and-swap on operands that straddle an
	// aligned 8-byte window.
	splitLocks [64]sync.Mutex
}

// NewMemory creates an empty address space.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*page)}
}

// Map maps [addr, addr+size) with the given protection, replacing any
// existing pages in the range. addr and size are rounded out to pages.
func (m *Memory) Map(addr, size uint64, prot int) error {
	start, end := pageRange(addr, size)
	if end <= start {
		return nil
	}

	mem, err := unix.Mmap(-1, 0, int(end-start), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mmap %d bytes for guest %#x: %w", end-start, start, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := &arena{mem: mem}
	for va := start; va < end; va += PageSize {
		m.dropLocked(va >> 12)
		off := va - start
		m.pages[va>>12] = &page{
			data:  mem[off : off+PageSize : off+PageSize],
			prot:  prot,
			arena: a,
		}
		a.live++
	}
	return nil
}

// Unmap removes the pages in [addr, addr+size).
func (m *Memory) Unmap(addr, size uint64) error {
	start, end := pageRange(addr, size)

	m.mu.Lock()
	defer m.mu.Unlock()

	for va := start; va < end; va += PageSize {
		if err := m.dropLocked(va >> 12); err != nil {
			return err
		}
	}
	return nil
}

// Protect changes the protection of mapped pages in [addr, addr+size).
func (m *Memory) Protect(addr, size uint64, prot int) error {
	start, end := pageRange(addr, size)

	m.mu.Lock()
	defer m.mu.Unlock()

	for va := start; va < end; va += PageSize {
		pg, ok := m.pages[va>>12]
		if !ok {
			return &PageFault{Addr: va, Size: PageSize, Access: AccessProtect}
		}
		pg.prot = prot
	}
	return nil
}

// Close releases every host mapping.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pn := range m.pages {
		if err := m.dropLocked(pn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) dropLocked(pn uint64) error {
	pg, ok := m.pages[pn]
	if !ok {
		return nil
	}
	delete(m.pages, pn)
	pg.arena.live--
	if pg.arena.live == 0 {
		if err := unix.Munmap(pg.arena.mem); err != nil {
			return fmt.Errorf("munmap guest page %#x: %w", pn<<12, err)
		}
	}
	return nil
}

// IsMapped reports whether the page containing addr is mapped.
func (m *Memory) IsMapped(addr uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pages[addr>>12]
	return ok
}

// Region describes a run of contiguous pages with equal protection.
type Region struct {
	Start uint64
	End   uint64
	Prot  int
}

// Regions lists the mapped address space in ascending order.
func (m *Memory) Regions() []Region {
	m.mu.RLock()
	pns := make([]uint64, 0, len(m.pages))
	prots := make(map[uint64]int, len(m.pages))
	for pn, pg := range m.pages {
		pns = append(pns, pn)
		prots[pn] = pg.prot
	}
	m.mu.RUnlock()

	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })

	var out []Region
	for _, pn := range pns {
		va := pn << 12
		if n := len(out); n > 0 && out[n-1].End == va && out[n-1].Prot == prots[pn] {
			out[n-1].End += PageSize
			continue
		}
		out = append(out, Region{Start: va, End: va + PageSize, Prot: prots[pn]})
	}
	return out
}

// FindFree returns the lowest page-aligned address at or above hint where
// size bytes are unmapped.
func (m *Memory) FindFree(hint, size uint64) uint64 {
	start, _ := pageRange(hint, 0)
	n := (size + pageMask) &^ uint64(pageMask)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for va := start; ; {
		clear := true
		for off := uint64(0); off < n; off += PageSize {
			if _, ok := m.pages[(va+off)>>12]; ok {
				clear = false
				va += off + PageSize
				break
			}
		}
		if clear {
			return va
		}
	}
}

func pageRange(addr, size uint64) (uint64, uint64) {
	start := addr &^ uint64(pageMask)
	end := (addr + size + pageMask) &^ uint64(pageMask)
	return start, end
}

// lookup returns the page holding addr if it grants prot.
func (m *Memory) lookup(addr uint64, size int, prot int, access Access) (*page, error) {
	m.mu.RLock()
	pg, ok := m.pages[addr>>12]
	m.mu.RUnlock()
	if !ok || pg.prot&prot != prot {
		return nil, &PageFault{Addr: addr, Size: size, Access: access}
	}
	return pg, nil
}

func inPage(addr uint64, size int) bool {
	return addr&pageMask+uint64(size) <= PageSize
}

// ReadBytes copies len(buf) guest bytes starting at addr.
func (m *Memory) ReadBytes(addr uint64, buf []byte) error {
	return m.copyOut(addr, buf, ProtRead, AccessRead)
}

// Fetch copies instruction bytes. It stops early at the first page that is
// not executable and returns the number of bytes copied.
func (m *Memory) Fetch(addr uint64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		pg, err := m.lookup(addr, 1, ProtExec, AccessExec)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		off := addr & pageMask
		c := copy(buf[n:], pg.data[off:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// WriteBytes copies buf into guest memory at addr.
func (m *Memory) WriteBytes(addr uint64, buf []byte) error {
	for len(buf) > 0 {
		pg, err := m.lookup(addr, len(buf), ProtWrite, AccessWrite)
		if err != nil {
			return err
		}
		off := addr & pageMask
		c := copy(pg.data[off:], buf)
		buf = buf[c:]
		addr += uint64(c)
	}
	return nil
}

// LoadBytes writes buf at addr regardless of page protection. The pages
// must be mapped. It is meant for program loaders.
func (m *Memory) LoadBytes(addr uint64, buf []byte) error {
	for len(buf) > 0 {
		pg, err := m.lookup(addr, len(buf), ProtNone, AccessWrite)
		if err != nil {
			return err
		}
		off := addr & pageMask
		c := copy(pg.data[off:], buf)
		buf = buf[c:]
		addr += uint64(c)
	}
	return nil
}

func (m *Memory) copyOut(addr uint64, buf []byte, prot int, access Access) error {
	for len(buf) > 0 {
		pg, err := m.lookup(addr, len(buf), prot, access)
		if err != nil {
			return err
		}
		off := addr & pageMask
		c := copy(buf, pg.data[off:])
		buf = buf[c:]
		addr += uint64(c)
	}
	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadCString(addr uint64, max int) (string, error) {
	var out []byte
	for len(out) < max {
		b, err := m.Read8(addr)
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
		addr++
	}
	return string(out), nil
}

// Read8 reads a byte.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	v, err := m.Read(addr, 1)
	return uint8(v), err
}

// Read16 reads a little-endian 16-bit value.
func (m *Memory) Read16(addr uint64) (uint16, error) {
	v, err := m.Read(addr, 2)
	return uint16(v), err
}

// Read32 reads a little-endian 32-bit value.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	v, err := m.Read(addr, 4)
	return uint32(v), err
}

// Read64 reads a little-endian 64-bit value.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	return m.Read(addr, 8)
}

// Write8 writes a byte.
func (m *Memory) Write8(addr uint64, v uint8) error {
	return m.Write(addr, 1, uint64(v))
}

// Write16 writes a little-endian 16-bit value.
func (m *Memory) Write16(addr uint64, v uint16) error {
	return m.Write(addr, 2, uint64(v))
}

// Write32 writes a little-endian 32-bit value.
func (m *Memory) Write32(addr uint64, v uint32) error {
	return m.Write(addr, 4, uint64(v))
}

// Write64 writes a little-endian 64-bit value.
func (m *Memory) Write64(addr uint64, v uint64) error {
	return m.Write(addr, 8, v)
}

// Read reads a size-byte little-endian value, size in {1,2,4,8}.
func (m *Memory) Read(addr uint64, size int) (uint64, error) {
	if !inPage(addr, size) {
		var buf [8]byte
		if err := m.copyOut(addr, buf[:size], ProtRead, AccessRead); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}

	pg, err := m.lookup(addr, size, ProtRead, AccessRead)
	if err != nil {
		return 0, err
	}
	return loadAt(pg.data, addr&pageMask, size), nil
}

// Write writes the low size bytes of v, size in {1,2,4,8}.
func (m *Memory) Write(addr uint64, size int, v uint64) error {
	if !inPage(addr, size) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return m.WriteBytes(addr, buf[:size])
	}

	pg, err := m.lookup(addr, size, ProtWrite, AccessWrite)
	if err != nil {
		return err
	}
	storeAt(pg.data, addr&pageMask, size, v)
	return nil
}

// ReadVec reads 16 bytes.
func (m *Memory) ReadVec(addr uint64) (Vec128, error) {
	lo, err := m.Read(addr, 8)
	if err != nil {
		return Vec128{}, err
	}
	hi, err := m.Read(addr+8, 8)
	if err != nil {
		return Vec128{}, err
	}
	return Vec128{Lo: lo, Hi: hi}, nil
}

// WriteVec writes 16 bytes. Both halves are checked before either is
// written.
func (m *Memory) WriteVec(addr uint64, v Vec128) error {
	if _, err := m.lookup(addr, 16, ProtWrite, AccessWrite); err != nil {
		return err
	}
	if _, err := m.lookup(addr+15, 16, ProtWrite, AccessWrite); err != nil {
		return err
	}
	if err := m.Write(addr, 8, v.Lo); err != nil {
		return err
	}
	return m.Write(addr+8, 8, v.Hi)
}

// CompareAndSwap atomically replaces the size-byte value at addr with new
// if it currently equals old. The page must be readable and writable.
func (m *Memory) CompareAndSwap(addr uint64, size int, old, new uint64) (bool, error) {
	mask := sizeMask(size)
	old &= mask
	new &= mask

	if addr&7+uint64(size) > 8 || !inPage(addr, size) {
		return m.splitCAS(addr, size, old, new)
	}

	pg, err := m.lookup(addr, size, ProtRW, AccessWrite)
	if err != nil {
		return false, err
	}
	off := addr & pageMask

	switch {
	case size == 8:
		return atomic.CompareAndSwapUint64(ptr64(pg.data, off), old, new), nil
	case size == 4 && off&3 == 0:
		return atomic.CompareAndSwapUint32(ptr32(pg.data, off), uint32(old), uint32(new)), nil
	case off&3+uint64(size) <= 4:
		return casInWord32(pg.data, off, size, old, new), nil
	default:
		return casInWord64(pg.data, off, size, old, new), nil
	}
}

// CompareAndSwap8 is CompareAndSwap for bytes.
func (m *Memory) CompareAndSwap8(addr uint64, old, new uint8) (bool, error) {
	return m.CompareAndSwap(addr, 1, uint64(old), uint64(new))
}

// CompareAndSwap16 is CompareAndSwap for 16-bit values.
func (m *Memory) CompareAndSwap16(addr uint64, old, new uint16) (bool, error) {
	return m.CompareAndSwap(addr, 2, uint64(old), uint64(new))
}

// CompareAndSwap32 is CompareAndSwap for 32-bit values.
func (m *Memory) CompareAndSwap32(addr uint64, old, new uint32) (bool, error) {
	return m.CompareAndSwap(addr, 4, uint64(old), uint64(new))
}

// CompareAndSwap64 is CompareAndSwap for 64-bit values.
func (m *Memory) CompareAndSwap64(addr uint64, old, new uint64) (bool, error) {
	return m.CompareAndSwap(addr, 8, old, new)
}

func (m *Memory) splitCAS(addr uint64, size int, old, new uint64) (bool, error) {
	lock := &m.splitLocks[(addr>>3)%uint64(len(m.splitLocks))]
	lock.Lock()
	defer lock.Unlock()

	var buf [8]byte
	if err := m.copyOut(addr, buf[:size], ProtRW, AccessWrite); err != nil {
		return false, err
	}
	if binary.LittleEndian.Uint64(buf[:]) != old {
		return false, nil
	}
	binary.LittleEndian.PutUint64(buf[:], new)
	return true, m.WriteBytes(addr, buf[:size])
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

func ptr64(data []byte, off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&data[off]))
}

func ptr32(data []byte, off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&data[off]))
}

func casInWord32(data []byte, off uint64, size int, old, new uint64) bool {
	base := off &^ 3
	shift := (off - base) * 8
	mask := uint32(sizeMask(size)) << shift
	p := ptr32(data, base)
	for {
		cur := atomic.LoadUint32(p)
		if (cur&mask)>>shift != uint32(old) {
			return false
		}
		next := (cur &^ mask) | (uint32(new) << shift)
		if atomic.CompareAndSwapUint32(p, cur, next) {
			return true
		}
	}
}

func casInWord64(data []byte, off uint64, size int, old, new uint64) bool {
	base := off &^ 7
	shift := (off - base) * 8
	mask := sizeMask(size) << shift
	p := ptr64(data, base)
	for {
		cur := atomic.LoadUint64(p)
		if (cur&mask)>>shift != old {
			return false
		}
		next := (cur &^ mask) | (new << shift)
		if atomic.CompareAndSwapUint64(p, cur, next) {
			return true
		}
	}
}

// loadAt reads an in-page value. Naturally aligned values are read with a
// single host atomic load so that they never tear against concurrent CAS.
func loadAt(data []byte, off uint64, size int) uint64 {
	switch {
	case size == 8 && off&7 == 0:
		return atomic.LoadUint64(ptr64(data, off))
	case size == 4 && off&3 == 0:
		return uint64(atomic.LoadUint32(ptr32(data, off)))
	case size <= 2 && off&3+uint64(size) <= 4:
		base := off &^ 3
		w := atomic.LoadUint32(ptr32(data, base))
		return uint64(w>>((off-base)*8)) & sizeMask(size)
	}
	var buf [8]byte
	copy(buf[:size], data[off:])
	return binary.LittleEndian.Uint64(buf[:])
}

func storeAt(data []byte, off uint64, size int, v uint64) {
	switch {
	case size == 8 && off&7 == 0:
		atomic.StoreUint64(ptr64(data, off), v)
		return
	case size == 4 && off&3 == 0:
		atomic.StoreUint32(ptr32(data, off), uint32(v))
		return
	case size <= 2 && off&3+uint64(size) <= 4:
		base := off &^ 3
		shift := (off - base) * 8
		mask := uint32(sizeMask(size)) << shift
		p := ptr32(data, base)
		for {
			cur := atomic.LoadUint32(p)
			next := (cur &^ mask) | (uint32(v) << shift & mask)
			if atomic.CompareAndSwapUint32(p, cur, next) {
				return
			}
		}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data[off:off+uint64(size)], buf[:size])
}
