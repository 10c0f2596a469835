// Package peheader inspects Windows Portable Executable headers.
//
// Every operation is total: files that are missing, truncated, or not PE
// images yield the Unknown/zero defaults instead of an error. Callers that
// must distinguish "unreadable" from "not a PE file" measure the file first.
package peheader

import "debug/pe"

// FileType classifies an image as a library or a program.
type FileType string

const (
	FileTypeDLL     FileType = "dll"
	FileTypeEXE     FileType = "exe"
	FileTypeUnknown FileType = "unknown"
)

// Architecture is the target instruction set recorded in the file header.
type Architecture string

const (
	ArchX32     Architecture = "x32"
	ArchX64     Architecture = "x64"
	ArchUnknown Architecture = "unknown"
)

// Parser is the header inspection capability used by the extractor.
type Parser interface {
	FileType(path string) FileType
	Architecture(path string) Architecture
	ImportsExports(path string) (imports, exports int)
}

// PEParser implements Parser on top of debug/pe. The zero value is ready to use.
type PEParser struct{}

var _ Parser = PEParser{}

// kernelModules are imports that only kernel-mode images link against.
var kernelModules = map[string]struct{}{
	"ntoskrnl.exe": {},
	"hal.dll":      {},
	"ndis.sys":     {},
	"bootvid.dll":  {},
	"kdcom.dll":    {},
}

// FileType reports dll when the DLL characteristic is set, exe for an
// executable image that is neither a DLL nor a driver, and unknown otherwise.
func (PEParser) FileType(path string) FileType {
	img, ok := openImage(path)
	if !ok {
		return FileTypeUnknown
	}
	defer img.Close()

	characteristics := img.header.Characteristics
	if characteristics&pe.IMAGE_FILE_DLL != 0 {
		return FileTypeDLL
	}
	if characteristics&pe.IMAGE_FILE_EXECUTABLE_IMAGE != 0 && !img.isDriver() {
		return FileTypeEXE
	}
	return FileTypeUnknown
}

// Architecture maps the machine field to x32 (i386) or x64 (AMD64).
func (PEParser) Architecture(path string) Architecture {
	img, ok := openImage(path)
	if !ok {
		return ArchUnknown
	}
	defer img.Close()

	switch img.header.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return ArchX32
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return ArchX64
	default:
		return ArchUnknown
	}
}

// ImportsExports counts imported modules (one per import descriptor) and
// exported functions (non-empty export address table slots).
func (PEParser) ImportsExports(path string) (imports, exports int) {
	img, ok := openImage(path)
	if !ok {
		return 0, 0
	}
	defer img.Close()

	return len(img.importedModules()), img.exportCount()
}
