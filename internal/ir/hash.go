package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainDirtySet = "converge/dirty/v1"
	DomainReads    = "converge/reads/v1"
	DomainInput    = "converge/input/v1"
	DomainEvidence = "converge/evidence/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func stringSetHash(domain string, items []string) string {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	arr := make(IRArray, len(sorted))
	for i, s := range sorted {
		arr[i] = IRString(s)
	}
	return hashWithDomain(domain, MustCanonical(arr))
}

// DirtySetHash hashes the canonical root path list of a dirty set.
// Input order does not matter.
func DirtySetHash(paths []string) string {
	return stringSetHash(DomainDirtySet, paths)
}

// ReadsDigest hashes a node's declared dependency paths.
func ReadsDigest(paths []string) string {
	return stringSetHash(DomainReads, paths)
}

// InputHash hashes the input values of a derived node so identical inputs
// can be recognized across transactions.
func InputHash(inputs IRArray) string {
	return hashWithDomain(DomainInput, MustCanonical(inputs))
}

// EvidenceID computes a content-addressed ID for a diagnostic record.
func EvidenceID(instanceID, kind string, seq int64, payload IRObject) (string, error) {
	obj := IRObject{
		"instance_id": IRString(instanceID),
		"kind":        IRString(kind),
		"seq":         IRInt(seq),
		"payload":     payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EvidenceID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvidence, canonical), nil
}
