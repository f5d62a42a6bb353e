package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ChecksumService computes content checksums for change detection.
//
// It uses xxhash64, a fast non-cryptographic hash. Collisions are possible
// in principle but acceptable here: the checksum only detects whether an
// entity's content changed between two versions the engine already knows
// about, it carries no security weight.
type ChecksumService struct {
	hexRegex *regexp.Regexp
}

// NewChecksumService creates a new ChecksumService
func NewChecksumService() *ChecksumService {
	return &ChecksumService{
		hexRegex: regexp.MustCompile(`^[a-f0-9]{16}$`),
	}
}

// Compute returns the checksum of a payload. The payload is canonicalized
// first so that key order and whitespace differences in the JSON encoding
// do not produce spurious change records.
func (s *ChecksumService) Compute(payload json.RawMessage) (string, error) {
	canonical, err := s.Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// ComputeBytes returns the checksum of raw bytes without canonicalization
func (s *ChecksumService) ComputeBytes(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Canonicalize re-encodes JSON with sorted object keys and no insignificant
// whitespace
func (s *ChecksumService) Canonicalize(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	// encoding/json sorts map keys on marshal
	return json.Marshal(value)
}

// IsValidChecksum checks if a string is a well-formed checksum
func (s *ChecksumService) IsValidChecksum(checksum string) bool {
	if strings.TrimSpace(checksum) == "" {
		return false
	}
	return s.hexRegex.MatchString(strings.ToLower(strings.TrimSpace(checksum)))
}
