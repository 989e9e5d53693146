package conversion

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"

	"fileconv/models"
)

// magicNumbers lists accepted leading-byte signatures (hex, up to 4 bytes)
// per declared source format. Formats not listed are not sniffed.
var magicNumbers = map[string][]string{
	"jpg":  {"ffd8ffe0", "ffd8ffe1", "ffd8ffe2"},
	"jpeg": {"ffd8ffe0", "ffd8ffe1", "ffd8ffe2"},
	"png":  {"89504e47"},
	"webp": {"52494647"},
	"gif":  {"47494638"},
	"bmp":  {"424d"},
	"tiff": {"49492a00", "4d4d002a"},
	"pdf":  {"25504446"},
	"docx": {"504b0304"},
	"xlsx": {"504b0304"},
	"pptx": {"504b0304"},
	"zip":  {"504b0304"},
	"mp3":  {"494433", "fffb", "fff3", "fff2"},
	"wav":  {"52494646"},
	"flac": {"664c6143"},
	"ogg":  {"4f676753"},
}

// checkMagic compares the first bytes of path with the signature table.
func checkMagic(path, format string) *JobError {
	signatures, ok := magicNumbers[format]
	if !ok {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fatal(models.CodeInvalidFile, "source file not found")
		}
		return retryable(models.CodeUnknown, err, "could not read source file")
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return retryable(models.CodeUnknown, err, "could not read source file")
	}
	got := hex.EncodeToString(head[:n])

	for _, sig := range signatures {
		if strings.HasPrefix(got, sig) {
			return nil
		}
	}
	return fatal(models.CodeInvalidFile, "file content does not match declared format %s", format)
}
