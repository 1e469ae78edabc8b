// Package fingerprint derives the deterministic identity of a generation
// request. Two submissions that mean the same thing must collide; any
// parameter change must not.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"server/internal/domain"
)

// Build returns the fingerprint for an admitted request. It is pure: equal
// normalized parameters and equal image bytes (via their content hash) always
// map to the same value.
func Build(req domain.GenerateRequest) (string, error) {
	if !req.Model.Known() {
		return "", domain.ErrUnknownModel
	}
	h := sha256.New()
	for _, field := range []string{
		string(req.Model),
		normalizeText(req.Prompt),
		normalizeText(req.NegativePrompt),
		strconv.Itoa(req.Duration),
		strings.TrimSpace(req.AspectRatio),
		strconv.FormatFloat(req.CFGScale, 'g', -1, 64),
		req.ImageHash,
		req.TailImageHash,
	} {
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
		h.Write(lenBuf[:n])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

var folder = cases.Fold()

// normalizeText strips the variance that does not change what the provider
// renders: unicode representation, letter case and whitespace runs.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}
