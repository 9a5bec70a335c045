package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"showrunner/internal/services"
)

// Snapshot is an immutable, integrity-checked copy of a document.
type Snapshot struct {
	Version    string     `json:"version"`
	Timestamp  time.Time  `json:"timestamp"`
	Persistent Persistent `json:"persistent"`
	Transient  Transient  `json:"transient"`
	Checksum   string     `json:"checksum"`
}

// newSnapshot seals a document copy with its checksum.
func newSnapshot(doc Document, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		Version:    doc.Version,
		Timestamp:  now.UTC(),
		Persistent: doc.clone().Persistent,
		Transient:  doc.clone().Transient,
	}
	sum, err := snap.computeChecksum()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Checksum = sum
	return snap, nil
}

// VerifyIntegrity recomputes the checksum and compares it to the stored one.
func (s Snapshot) VerifyIntegrity() error {
	sum, err := s.computeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return services.Wrap(services.ErrStateMigration, "", "verify_integrity",
			"integrity check failed: checksum mismatch", nil)
	}
	return nil
}

// computeChecksum hashes the canonical JSON form of everything except the
// checksum field itself.
func (s Snapshot) computeChecksum() (string, error) {
	body := struct {
		Version    string     `json:"version"`
		Timestamp  time.Time  `json:"timestamp"`
		Persistent Persistent `json:"persistent"`
		Transient  Transient  `json:"transient"`
	}{s.Version, s.Timestamp, s.Persistent, s.Transient}

	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", services.Wrap(services.ErrStateMigration, "", "checksum", "serialize snapshot", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON produces a deterministic serialization: a decode through
// map[string]any forces lexicographically sorted object keys everywhere.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
