package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Fingerprint computes the stable identity of a task:
// sha256(canonical_json(manifest) + "\n---\n" + normalized_spec).
// The canonical form sorts object keys recursively, so key order in the
// manifest file never changes the fingerprint; the spec is CRLF-normalized
// with trailing whitespace stripped per line.
func Fingerprint(m *models.TaskManifest, spec string) (string, error) {
	canonical, err := canonicalJSON(m)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("\n---\n"))
	h.Write([]byte(NormalizeSpec(spec)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-marshals through a generic value so objects serialize
// with sorted keys regardless of struct field order.
func canonicalJSON(m *models.TaskManifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("reparse manifest: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return out, nil
}

// NormalizeSpec converts CRLF to LF and strips trailing whitespace per line.
func NormalizeSpec(spec string) string {
	spec = strings.ReplaceAll(spec, "\r\n", "\n")
	lines := strings.Split(spec, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
