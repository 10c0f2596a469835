package peheader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
)

const (
	dosHeaderSize        = 64
	peOffsetField        = 0x3c
	importDescriptorSize = 20
	exportDirectorySize  = 40
	maxImportDescriptors = 4096
	maxExportFunctions   = 1 << 16
	maxNameLength        = 256
)

var errNotPE = errors.New("not a PE image")

// image holds one open PE file. file is nil when debug/pe could not model the
// image (for example an unsupported machine type); header is always valid.
type image struct {
	osFile *os.File
	header pe.FileHeader
	file   *pe.File
}

func openImage(path string) (img *image, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	header, err := readFileHeader(f)
	if err != nil {
		return nil, false
	}
	img = &image{osFile: f, header: header}
	img.file = parseFile(f)
	return img, true
}

func (img *image) Close() {
	if img == nil || img.osFile == nil {
		return
	}
	_ = img.osFile.Close()
}

// readFileHeader validates the MZ and PE signatures and returns the COFF header.
func readFileHeader(r io.ReaderAt) (pe.FileHeader, error) {
	var header pe.FileHeader

	dos := make([]byte, dosHeaderSize)
	if _, err := r.ReadAt(dos, 0); err != nil {
		return header, err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return header, errNotPE
	}
	offset := int64(binary.LittleEndian.Uint32(dos[peOffsetField:]))

	sig := make([]byte, 4)
	if _, err := r.ReadAt(sig, offset); err != nil {
		return header, err
	}
	if !bytes.Equal(sig, []byte{'P', 'E', 0, 0}) {
		return header, errNotPE
	}

	section := io.NewSectionReader(r, offset+4, int64(binary.Size(header)))
	if err := binary.Read(section, binary.LittleEndian, &header); err != nil {
		return header, err
	}
	return header, nil
}

// parseFile never panics on hostile input; debug/pe has historically
// panicked on a few malformed tables.
func parseFile(r io.ReaderAt) (file *pe.File) {
	defer func() {
		if recover() != nil {
			file = nil
		}
	}()
	f, err := pe.NewFile(r)
	if err != nil {
		return nil
	}
	return f
}

func (img *image) dataDirectory(index int) (pe.DataDirectory, bool) {
	if img.file == nil {
		return pe.DataDirectory{}, false
	}
	var (
		count uint32
		dirs  [16]pe.DataDirectory
	)
	switch oh := img.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		count, dirs = oh.NumberOfRvaAndSizes, oh.DataDirectory
	case *pe.OptionalHeader64:
		count, dirs = oh.NumberOfRvaAndSizes, oh.DataDirectory
	default:
		return pe.DataDirectory{}, false
	}
	if index >= len(dirs) || uint32(index) >= count {
		return pe.DataDirectory{}, false
	}
	dir := dirs[index]
	if dir.VirtualAddress == 0 {
		return pe.DataDirectory{}, false
	}
	return dir, true
}

func (img *image) subsystem() uint16 {
	if img.file == nil {
		return 0
	}
	switch oh := img.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.Subsystem
	case *pe.OptionalHeader64:
		return oh.Subsystem
	}
	return 0
}

// readRVA reads len(buf) bytes at a relative virtual address.
func (img *image) readRVA(buf []byte, rva uint32) bool {
	for _, s := range img.file.Sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= extent {
			continue
		}
		n, err := s.ReadAt(buf, int64(rva-s.VirtualAddress))
		return err == nil && n == len(buf)
	}
	return false
}

func (img *image) readName(rva uint32) string {
	var out []byte
	chunk := make([]byte, 1)
	for i := uint32(0); i < maxNameLength; i++ {
		if !img.readRVA(chunk, rva+i) || chunk[0] == 0 {
			break
		}
		out = append(out, chunk[0])
	}
	return string(out)
}

// importedModules walks the import descriptor table until the all-zero
// terminator or the first unreadable entry.
func (img *image) importedModules() []string {
	dir, ok := img.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	if !ok {
		return nil
	}
	var modules []string
	entry := make([]byte, importDescriptorSize)
	zero := make([]byte, importDescriptorSize)
	for i := uint32(0); i < maxImportDescriptors; i++ {
		if !img.readRVA(entry, dir.VirtualAddress+i*importDescriptorSize) {
			break
		}
		if bytes.Equal(entry, zero) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(entry[12:])
		modules = append(modules, strings.ToLower(img.readName(nameRVA)))
	}
	return modules
}

func (img *image) exportCount() int {
	dir, ok := img.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if !ok {
		return 0
	}
	header := make([]byte, exportDirectorySize)
	if !img.readRVA(header, dir.VirtualAddress) {
		return 0
	}
	functions := binary.LittleEndian.Uint32(header[20:])
	table := binary.LittleEndian.Uint32(header[28:])
	if functions == 0 || functions > maxExportFunctions {
		return 0
	}

	count := 0
	slot := make([]byte, 4)
	for i := uint32(0); i < functions; i++ {
		if !img.readRVA(slot, table+i*4) {
			break
		}
		if binary.LittleEndian.Uint32(slot) != 0 {
			count++
		}
	}
	return count
}

// isDriver treats an image as kernel mode when it links a kernel module, or
// carries a pageable section under a native subsystem.
func (img *image) isDriver() bool {
	if img.file == nil {
		return false
	}
	for _, module := range img.importedModules() {
		if _, ok := kernelModules[module]; ok {
			return true
		}
	}
	subsystem := img.subsystem()
	if subsystem != pe.IMAGE_SUBSYSTEM_NATIVE && subsystem != pe.IMAGE_SUBSYSTEM_NATIVE_WINDOWS {
		return false
	}
	for _, s := range img.file.Sections {
		switch strings.ToLower(strings.TrimRight(s.Name, "\x00")) {
		case "page", "paged":
			return true
		}
	}
	return false
}
