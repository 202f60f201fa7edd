package constants

import "strings"

const (
	ContentTypePDF  = "application/pdf"
	ContentTypePNG  = "image/png"
	ContentTypeJPEG = "image/jpeg"
	ContentTypeTIFF = "image/tiff"
)

// Source formats understood by the OCR adapter.
const (
	PDF   = "PDF"
	IMAGE = "IMAGE"
)

// AllowedContentTypes maps accepted upload content types to their source format.
var AllowedContentTypes = map[string]string{
	ContentTypePDF:  PDF,
	ContentTypePNG:  IMAGE,
	ContentTypeJPEG: IMAGE,
	ContentTypeTIFF: IMAGE,
}

// AllowedExtensions holds the file extensions accepted for upload.
var AllowedExtensions = map[string]string{
	"pdf":  ContentTypePDF,
	"png":  ContentTypePNG,
	"jpg":  ContentTypeJPEG,
	"jpeg": ContentTypeJPEG,
	"tif":  ContentTypeTIFF,
	"tiff": ContentTypeTIFF,
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeContentType drops parameters ("; charset=...") and lowercases.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// FormatOf returns PDF or IMAGE for a supported content type, "" otherwise.
func FormatOf(contentType string) string {
	return AllowedContentTypes[NormalizeContentType(contentType)]
}
