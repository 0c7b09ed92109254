package extract

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// Format is the declared document format of an attachment.
type Format string

// Supported formats. Anything else is FormatUnknown and yields no text.
const (
	FormatPDF     Format = "pdf"
	FormatXLS     Format = "xls"
	FormatXLSX    Format = "xlsx"
	FormatUnknown Format = "unknown"
)

var (
	extFormats = map[string]Format{
		".pdf":  FormatPDF,
		".xls":  FormatXLS,
		".xlsx": FormatXLSX,
	}
	mimeFormats = map[string]Format{
		"application/pdf":          FormatPDF,
		"application/x-pdf":        FormatPDF,
		"application/vnd.ms-excel": FormatXLS,
		"application/msexcel":      FormatXLS,
		"application/x-msexcel":    FormatXLS,
		"application/x-excel":      FormatXLS,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
	}

	magicPDF  = []byte("%PDF-")
	magicZIP  = []byte("PK\x03\x04")
	magicOLE2 = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// DetectFormat resolves the format from a file name's extension first and
// the MIME type second.
func DetectFormat(name, mimeType string) Format {
	if f, ok := extFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f
	}
	if mimeType != "" {
		if media, _, err := mime.ParseMediaType(mimeType); err == nil {
			if f, ok := mimeFormats[strings.ToLower(media)]; ok {
				return f
			}
		}
	}
	return FormatUnknown
}

// SniffFormat inspects leading bytes. A zip container is reported as XLSX
// since no other zip-based format is decoded.
func SniffFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return FormatPDF
	case bytes.HasPrefix(data, magicOLE2):
		return FormatXLS
	case bytes.HasPrefix(data, magicZIP):
		return FormatXLSX
	default:
		return FormatUnknown
	}
}

// Extension returns the canonical file extension for f, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatPDF, FormatXLS, FormatXLSX:
		return "." + string(f)
	default:
		return ""
	}
}
