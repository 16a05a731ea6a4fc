package mem

// pageTable is one second-level table covering a 4 MiB span of virtual
// address space.
type pageTable struct {
	entry [1024]PageTableEntry
}

// PageDirectory is the top-level paging structure for one address space.
// The first three directory entries are the identity-mapped kernel
// superpages and are identical in every address space. In this simulated
// machine the second-level tables live on the kernel heap rather than in
// allocated frames; the shape and semantics of the walk are unchanged.
type PageDirectory struct {
	entry [1024]PageTableEntry
	table [1024]*pageTable
}

// NewPageDirectory builds a directory containing only the shared kernel
// superpage mappings.
func NewPageDirectory() *PageDirectory {
	d := &PageDirectory{}
	d.entry[0] = kernelCodePage
	d.entry[1] = kernelRamdiskPage
	d.entry[2] = kernelDataPage

	return d
}

// findEntry locates the page table entry mapping the given address. For a
// superpage, the directory entry itself is returned. If the covering page
// table does not exist and create is false, findEntry returns nil; with
// create set, the missing table is allocated on the way down.
func (d *PageDirectory) findEntry(addr VirtAddr, create bool) *PageTableEntry {
	dirIndex := uint32(addr) >> directoryIndexShift
	dirEntry := &d.entry[dirIndex]

	if dirEntry.IsSuperPage() {
		return dirEntry
	}

	if d.table[dirIndex] == nil {
		if !create {
			return nil
		}

		d.table[dirIndex] = &pageTable{}
		*dirEntry = PageTableEntry(PagePresent | PageWritable | PageUser)
	}

	return &d.table[dirIndex].entry[(uint32(addr)>>tableIndexShift)&tableIndexMask]
}

// findPresentEntry scans forward from addr for the next present page at or
// above it, skipping the kernel superpages. Returns the page base address
// and its entry, or false once the top of the address space is reached.
// This drives address-space teardown and the overlap check in expansion.
func (d *PageDirectory) findPresentEntry(addr VirtAddr) (VirtAddr, *PageTableEntry, bool) {
	addr = PageBase(addr)

	for addr < AddressSpaceTop {
		dirIndex := uint32(addr) >> directoryIndexShift
		dirEntry := &d.entry[dirIndex]

		if dirEntry.IsSuperPage() || d.table[dirIndex] == nil {
			// Skip the whole 4 MiB span this directory slot covers.
			addr = VirtAddr(dirIndex+1) << directoryIndexShift
			if addr == 0 {
				break
			}

			continue
		}

		table := d.table[dirIndex]
		for index := (uint32(addr) >> tableIndexShift) & tableIndexMask; index < 1024; index++ {
			if table.entry[index].IsPresent() {
				page := VirtAddr(dirIndex)<<directoryIndexShift |
					VirtAddr(index)<<tableIndexShift
				return page, &table.entry[index], true
			}
		}

		addr = VirtAddr(dirIndex+1) << directoryIndexShift
		if addr == 0 {
			break
		}
	}

	return 0, nil, false
}

// translate resolves a virtual address to a physical frame and its mapping
// entry. Superpage translations resolve within the identity-mapped kernel
// regions.
func (d *PageDirectory) translate(addr VirtAddr) (Frame, *PageTableEntry, bool) {
	entry := d.findEntry(addr, false)
	if entry == nil || !entry.IsPresent() {
		return InvalidFrame, nil, false
	}

	if entry.IsSuperPage() {
		base := uintptr(entry.Frame()) &^ (SuperPageSize - 1)
		return Frame(base + (uintptr(addr) & (SuperPageSize - 1) &^ PageMask)), entry, true
	}

	return entry.Frame(), entry, true
}
