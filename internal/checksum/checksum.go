// Package checksum verifies downloaded PubMed archives against their .md5 companions.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const digestSeparator = "= "

// ParseDigest extracts the hex digest from "MD5(name)= <hex>" content.
func ParseDigest(content string) string {
	content = strings.TrimRight(content, " \t\r\n")
	if idx := strings.LastIndex(content, digestSeparator); idx >= 0 {
		return content[idx+len(digestSeparator):]
	}
	return content
}

// Sum returns the lowercase hex MD5 of the file at path.
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash blob: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Validate reports whether the blob digest equals the value recorded in the
// digest file. Comparison is exact and case-sensitive.
func Validate(blobPath, digestPath string) (bool, error) {
	raw, err := os.ReadFile(digestPath)
	if err != nil {
		return false, fmt.Errorf("read digest: %w", err)
	}

	observed, err := Sum(blobPath)
	if err != nil {
		return false, err
	}

	return observed == ParseDigest(string(raw)), nil
}
