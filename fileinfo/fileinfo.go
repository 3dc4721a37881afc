// Package fileinfo probes tracked files: content hashing, binary detection,
// MIME type guessing and image dimensions.
package fileinfo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// sniffLen is how much of a file the binary sniff inspects.
const sniffLen = 8 * 1024

// HashFile returns the SHA-256 hex digest of the file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the SHA-256 hex digest of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IsBinary reports whether content looks binary: a NUL byte anywhere in the
// first 8 KiB.
func IsBinary(content []byte) bool {
	if len(content) > sniffLen {
		content = content[:sniffLen]
	}
	return bytes.IndexByte(content, 0) != -1
}

// IsBinaryFile sniffs the first 8 KiB of the file at path.
func IsBinaryFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) != -1, nil
}

// DetectMIME guesses a MIME type from the file extension, falling back to
// content sniffing. Markdown gets text/markdown, which Go's mime table does
// not know on every platform.
func DetectMIME(path string, content []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	}

	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if i := strings.IndexByte(byExt, ';'); i != -1 {
			byExt = byExt[:i]
		}
		return byExt
	}

	if len(content) == 0 {
		return "application/octet-stream"
	}
	detected := http.DetectContentType(content)
	if i := strings.IndexByte(detected, ';'); i != -1 {
		detected = detected[:i]
	}
	return detected
}

// ImageDims holds a probed image's size and format.
type ImageDims struct {
	Width  int
	Height int
	Format string // "png", "jpeg", "gif"
}

// ProbeImage decodes only the image header. Returns ok=false for files that
// are not a supported image.
func ProbeImage(path string) (ImageDims, bool) {
	f, err := os.Open(path)
	if err != nil {
		return ImageDims{}, false
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return ImageDims{}, false
	}
	return ImageDims{Width: cfg.Width, Height: cfg.Height, Format: format}, true
}
