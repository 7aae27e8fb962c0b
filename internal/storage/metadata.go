package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataVersion is the current StorageMetadata layout version
const MetadataVersion = 1

// Metadata is the single metadata row kept alongside the encrypted records.
// It is stored unencrypted so status queries work while the store is locked.
type Metadata struct {
	Version          int        `json:"version"`
	HasPassword      bool       `json:"hasPassword"`
	HasBackup        bool       `json:"hasBackup"`
	LastBackupAt     *time.Time `json:"lastBackupAt,omitempty"`
	Pbkdf2Iterations int        `json:"pbkdf2Iterations,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// NewMetadata creates a new metadata row
func NewMetadata(now time.Time) *Metadata {
	return &Metadata{
		Version:   MetadataVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch advances UpdatedAt. The timestamp never moves backwards, even if the
// wall clock does.
func (m *Metadata) Touch(now time.Time) {
	if !now.After(m.UpdatedAt) {
		now = m.UpdatedAt.Add(time.Millisecond)
	}
	m.UpdatedAt = now
}

// Clone returns a deep copy so callers can stage changes without mutating
// the committed row.
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.LastBackupAt != nil {
		ts := *m.LastBackupAt
		c.LastBackupAt = &ts
	}
	return &c
}

func encodeMetadata(m *Metadata) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &m, nil
}
