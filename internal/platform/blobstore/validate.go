package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrEmptyFile          = errors.New("file is empty")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrExtensionMismatch  = errors.New("file extension does not match content type")
	ErrContentMismatch    = errors.New("file content does not match declared type")
	ErrInvalidFileName    = errors.New("invalid file name")
)

// DefaultMaxBytes is the upload limit used when a policy sets none (10 MiB).
const DefaultMaxBytes int64 = 10 << 20

// SniffLen is how many leading bytes Validate inspects.
const SniffLen = 512

// Policy controls which files are accepted.
type Policy struct {
	MaxBytes int64
	// Types maps an allowed content type to its accepted extensions.
	Types map[string][]string
}

// DefaultPolicy returns the standard upload policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxBytes: DefaultMaxBytes,
		Types: map[string][]string{
			"application/pdf": {".pdf"},
			"image/png":       {".png"},
			"image/jpeg":      {".jpg", ".jpeg"},
			"image/gif":       {".gif"},
			"image/webp":      {".webp"},
			"image/heic":      {".heic", ".heif"},
			"text/plain":      {".txt"},
			"text/csv":        {".csv"},
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {".docx"},
		},
	}
}

// WithMaxBytes returns a copy of p with a different size limit.
func (p Policy) WithMaxBytes(n int64) Policy {
	if n > 0 {
		p.MaxBytes = n
	}
	return p
}

// ContentTypeFor returns the allowed content type registered for ext.
func (p Policy) ContentTypeFor(ext string) (string, bool) {
	ext = strings.ToLower(ext)
	for ct, exts := range p.Types {
		for _, e := range exts {
			if e == ext {
				return ct, true
			}
		}
	}
	return "", false
}

// Validate checks a file against policy. head holds the first bytes of the
// content; a nil head skips the magic-byte check so metadata can be
// validated before upload.
func Validate(name, declaredType string, size int64, head []byte, policy Policy) error {
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = DefaultMaxBytes
	}
	if err := ValidateFileName(name); err != nil {
		return err
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > policy.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, policy.MaxBytes)
	}

	ct := normalizeContentType(declaredType)
	exts, ok := policy.Types[ct]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, declaredType)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !contains(exts, ext) {
		return fmt.Errorf("%w: %q is not a %s extension", ErrExtensionMismatch, ext, ct)
	}

	if head != nil && !matchesMagic(ct, head) {
		return fmt.Errorf("%w: expected %s", ErrContentMismatch, ct)
	}
	return nil
}

// ValidateFileName rejects empty names, path separators, traversal and
// control characters.
func ValidateFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidFileName)
	case len(name) > 255:
		return fmt.Errorf("%w: name is too long", ErrInvalidFileName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: name must not contain path separators", ErrInvalidFileName)
	case name == "." || name == ".." || strings.HasPrefix(name, ".."):
		return fmt.Errorf("%w: name must not be a relative path", ErrInvalidFileName)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidFileName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", ErrInvalidFileName)
		}
	}
	return nil
}

func normalizeContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}

var heicBrands = [][]byte{[]byte("heic"), []byte("heix"), []byte("hevc"), []byte("heif"), []byte("mif1"), []byte("msf1")}

func matchesMagic(ct string, head []byte) bool {
	switch ct {
	case "application/pdf":
		return bytes.HasPrefix(head, []byte("%PDF-"))
	case "image/png":
		return bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n"))
	case "image/jpeg":
		return bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF})
	case "image/gif":
		return bytes.HasPrefix(head, []byte("GIF87a")) || bytes.HasPrefix(head, []byte("GIF89a"))
	case "image/webp":
		return len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
	case "image/heic":
		if len(head) < 12 || !bytes.Equal(head[4:8], []byte("ftyp")) {
			return false
		}
		for _, b := range heicBrands {
			if bytes.Equal(head[8:12], b) {
				return true
			}
		}
		return false
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return bytes.HasPrefix(head, []byte("PK\x03\x04"))
	case "text/plain", "text/csv":
		return looksLikeText(head)
	}
	return false
}

// looksLikeText accepts UTF-8 without NUL bytes. A multi-byte rune cut off at
// the end of head is tolerated.
func looksLikeText(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	for len(head) > 0 {
		r, size := utf8.DecodeRune(head)
		if r == utf8.RuneError && size == 1 {
			return len(head) < utf8.UTFMax && !utf8.FullRune(head)
		}
		head = head[size:]
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
