package mem

import "github.com/dgaur/dx/internal/status"

// PageTableEntry is one 32-bit entry in a page directory or page table.
// With the exception of a few control bits, directory and table entries are
// identical, so a single definition serves both.
type PageTableEntry uint32

// Control bits within each entry.
const (
	// Hardware-defined bits; see the Intel documentation.
	PagePresent      PageTableEntry = 0x0001
	PageWritable     PageTableEntry = 0x0002
	PageUser         PageTableEntry = 0x0004
	PageWriteThrough PageTableEntry = 0x0008
	PageCacheDisable PageTableEntry = 0x0010
	PageAccessed     PageTableEntry = 0x0020
	PageDirty        PageTableEntry = 0x0040
	PageSuper        PageTableEntry = 0x0080
	PageGlobal       PageTableEntry = 0x0100

	// Software-defined bits.
	PageShared      PageTableEntry = 0x0200
	PageCopyOnWrite PageTableEntry = 0x0400
)

// Masks and shifts for building and parsing entries.
const (
	pageBaseAddressMask = 0xFFFFF000

	directoryIndexShift = 22
	tableIndexShift     = 12
	tableIndexMask      = 0x3FF
)

// Predefined kernel superpage entries. These three identity-mapped entries
// occupy the first directory slots of every address space.
const (
	kernelCodePage    PageTableEntry = 0x00000183 // 4M page at 0 MiB
	kernelRamdiskPage PageTableEntry = 0x00400181 // 4M page at 4 MiB
	kernelDataPage    PageTableEntry = 0x00800183 // 4M page at 8 MiB
)

// Frame returns the physical frame behind this entry.
func (e PageTableEntry) Frame() Frame {
	return Frame(e & pageBaseAddressMask)
}

func (e PageTableEntry) IsPresent() bool     { return e&PagePresent != 0 }
func (e PageTableEntry) IsWritable() bool    { return e&PageWritable != 0 }
func (e PageTableEntry) IsUser() bool        { return e&PageUser != 0 }
func (e PageTableEntry) IsSuperPage() bool   { return e&PageSuper != 0 }
func (e PageTableEntry) IsShared() bool      { return e&PageShared != 0 }
func (e PageTableEntry) IsCopyOnWrite() bool { return e&PageCopyOnWrite != 0 }

// commitFrame binds a physical frame to this entry. On return the page is
// present; threads in the owning address space can touch it according to
// the permission flags. Committing over a present entry is a conflict.
func (e *PageTableEntry) commitFrame(frame Frame, flags Flag) error {
	if e.IsPresent() {
		return status.ResourceConflict
	}

	bits := PageTableEntry(uintptr(frame)&pageBaseAddressMask) | PagePresent

	if flags&FlagWritable != 0 {
		bits |= PageWritable
	}
	if flags&FlagUser != 0 {
		bits |= PageUser
	}
	if flags&FlagShared != 0 {
		bits |= PageShared
	}
	if flags&FlagCopyOnWrite != 0 {
		bits |= PageCopyOnWrite
	}

	*e = bits

	return nil
}

// decommitFrame unbinds the entry and returns the frame that was backing
// it. The caller is responsible for invalidating the TLB entry and for
// freeing or reusing the frame.
func (e *PageTableEntry) decommitFrame() Frame {
	frame := e.Frame()
	*e = 0

	return frame
}

// shareFrame marks the entry as shared and copy-on-write, revoking write
// permission so the first store through any mapping faults. Returns the
// underlying frame, or InvalidFrame if the page is not present. The second
// return is true if write permission was revoked and the caller must
// invalidate the TLB entry.
func (e *PageTableEntry) shareFrame() (Frame, bool) {
	if !e.IsPresent() {
		return InvalidFrame, false
	}

	frame := e.Frame()
	*e |= PageShared | PageCopyOnWrite

	if e.IsWritable() {
		*e &^= PageWritable
		return frame, true
	}

	return frame, false
}
