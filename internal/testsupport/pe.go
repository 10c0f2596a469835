package testsupport

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"
)

// PEImage describes a minimal single-section PE file for tests.
type PEImage struct {
	Machine         uint16
	Characteristics uint16
	PE32Plus        bool
	Subsystem       uint16
	SectionName     string
	Imports         []string
	Exports         int
	// ExportHoles adds zeroed export address table slots that are not counted.
	ExportHoles int
}

// Common fixtures.
var (
	PE32Exe = PEImage{
		Machine:         pe.IMAGE_FILE_MACHINE_I386,
		Characteristics: pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
		Subsystem:       pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		Imports:         []string{"KERNEL32.dll", "USER32.dll"},
	}
	PE64DLL = PEImage{
		Machine:         pe.IMAGE_FILE_MACHINE_AMD64,
		Characteristics: pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
		PE32Plus:        true,
		Subsystem:       pe.IMAGE_SUBSYSTEM_WINDOWS_GUI,
		Imports:         []string{"KERNEL32.dll"},
		Exports:         3,
	}
)

const (
	peHeaderOffset = 0x40
	fileAlignment  = 0x200
	sectionRVA     = 0x1000
)

// Bytes renders the image.
func (img PEImage) Bytes() []byte {
	section, importDir, exportDir := img.sectionData()
	rawSize := align(len(section), fileAlignment)

	var buf bytes.Buffer
	dos := make([]byte, peHeaderOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], peHeaderOffset)
	buf.Write(dos)
	buf.Write([]byte{'P', 'E', 0, 0})

	optSize := binary.Size(pe.OptionalHeader32{})
	if img.PE32Plus {
		optSize = binary.Size(pe.OptionalHeader64{})
	}
	mustWrite(&buf, pe.FileHeader{
		Machine:              img.Machine,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      img.Characteristics,
	})

	var dirs [16]pe.DataDirectory
	dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = exportDir
	dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = importDir
	imageSize := uint32(sectionRVA + align(len(section), sectionRVA))

	if img.PE32Plus {
		mustWrite(&buf, pe.OptionalHeader64{
			Magic:               0x20b,
			ImageBase:           0x140000000,
			SectionAlignment:    sectionRVA,
			FileAlignment:       fileAlignment,
			SizeOfImage:         imageSize,
			SizeOfHeaders:       fileAlignment,
			Subsystem:           img.Subsystem,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	} else {
		mustWrite(&buf, pe.OptionalHeader32{
			Magic:               0x10b,
			ImageBase:           0x400000,
			SectionAlignment:    sectionRVA,
			FileAlignment:       fileAlignment,
			SizeOfImage:         imageSize,
			SizeOfHeaders:       fileAlignment,
			Subsystem:           img.Subsystem,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		})
	}

	name := img.SectionName
	if name == "" {
		name = ".rdata"
	}
	var sh pe.SectionHeader32
	copy(sh.Name[:], name)
	sh.VirtualSize = uint32(len(section))
	sh.VirtualAddress = sectionRVA
	sh.SizeOfRawData = uint32(rawSize)
	sh.PointerToRawData = fileAlignment
	sh.Characteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	mustWrite(&buf, sh)

	buf.Write(make([]byte, fileAlignment-buf.Len()))
	buf.Write(section)
	buf.Write(make([]byte, rawSize-len(section)))
	return buf.Bytes()
}

// WritePE renders img to path.
func WritePE(t testing.TB, path string, img PEImage) {
	t.Helper()
	WriteFile(t, path, img.Bytes())
}

// sectionData lays out import descriptors, module names, and the export
// directory with its address table inside the single section.
func (img PEImage) sectionData() ([]byte, pe.DataDirectory, pe.DataDirectory) {
	var importDir, exportDir pe.DataDirectory

	descriptors := 0
	if len(img.Imports) > 0 {
		descriptors = (len(img.Imports) + 1) * 20
	}
	data := make([]byte, descriptors)
	for i, module := range img.Imports {
		nameRVA := uint32(sectionRVA + len(data))
		data = append(data, module...)
		data = append(data, 0)
		binary.LittleEndian.PutUint32(data[i*20+12:], nameRVA)
	}
	if descriptors > 0 {
		importDir = pe.DataDirectory{VirtualAddress: sectionRVA, Size: uint32(descriptors)}
	}

	slots := img.Exports + img.ExportHoles
	if slots > 0 {
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		dirOffset := len(data)
		tableOffset := dirOffset + 40
		data = append(data, make([]byte, 40+slots*4)...)
		binary.LittleEndian.PutUint32(data[dirOffset+20:], uint32(slots))
		binary.LittleEndian.PutUint32(data[dirOffset+24:], uint32(img.Exports))
		binary.LittleEndian.PutUint32(data[dirOffset+28:], uint32(sectionRVA+tableOffset))
		for i := 0; i < img.Exports; i++ {
			binary.LittleEndian.PutUint32(data[tableOffset+i*4:], sectionRVA)
		}
		exportDir = pe.DataDirectory{VirtualAddress: uint32(sectionRVA + dirOffset), Size: 40}
	}

	if len(data) == 0 {
		data = make([]byte, 16)
	}
	return data, importDir, exportDir
}

func align(n, to int) int {
	if n%to == 0 {
		return n
	}
	return n + to - n%to
}

func mustWrite(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}
