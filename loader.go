//go:build linux && amd64

package hypervisor

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// loadedImage is what the (out-of-scope) ELF parsing collaborator
// surfaces to the loader: entry point, loadable segments, and an optional
// symbol table. Parsing itself is stdlib's debug/elf; assigning the
// result into guest memory is this engine's job.
type loadedImage struct {
	entry    uint64
	segments []elfSegment
	symbols  map[string]uint64
}

type elfSegment struct {
	vaddr  uint64
	data   []byte // file-backed bytes, length == filesz
	memsz  uint64
	prot   uint64 // pteRW/pteUS bits this segment should carry
	execOK bool
}

func parseImage(binary []byte, printer Printer, verbose bool) (*loadedImage, error) {
	f, err := elf.NewFile(bytes.NewReader(binary))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("hypervisor: image is not a 64-bit x86_64 executable")
	}

	img := &loadedImage{entry: f.Entry, symbols: make(map[string]uint64)}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("hypervisor: read segment at 0x%x: %w", prog.Vaddr, err)
			}
		}
		flags := uint64(pteUS)
		if prog.Flags&elf.PF_W != 0 {
			flags |= pteRW
		}
		seg := elfSegment{
			vaddr:  prog.Vaddr,
			data:   data,
			memsz:  prog.Memsz,
			prot:   flags,
			execOK: prog.Flags&elf.PF_X != 0,
		}
		img.segments = append(img.segments, seg)
		if verbose {
			printer("loader: segment vaddr=0x%x filesz=%d memsz=%d flags=%v", prog.Vaddr, prog.Filesz, prog.Memsz, prog.Flags)
		}
	}

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if s.Name != "" && s.Value != 0 {
				img.symbols[s.Name] = s.Value
			}
		}
	}

	return img, nil
}
