package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tomedesk/tome/internal/gate"
)

const (
	// RecordFileName is the name of the persisted activation record.
	RecordFileName = "license.json"

	recordDirPerm  = 0o700
	recordFilePerm = 0o600

	maxRecordFileSize = 64 * 1024
)

// Persistence stores the activation record as a single JSON file in the
// data directory.
type Persistence struct {
	path string
}

// NewPersistence creates a persistence handle rooted at dataDir.
func NewPersistence(dataDir string) (*Persistence, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("license persistence requires a data directory")
	}
	if err := os.MkdirAll(dataDir, recordDirPerm); err != nil {
		return nil, fmt.Errorf("create license data directory: %w", err)
	}
	return &Persistence{path: filepath.Join(dataDir, RecordFileName)}, nil
}

// persistedRecord carries both the current and the legacy on-disk shapes.
// Early releases stored a single boolean instead of a tier.
type persistedRecord struct {
	Key         string    `json:"key"`
	Tier        gate.Tier `json:"tier,omitempty"`
	Pro         *bool     `json:"pro,omitempty"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// Load reads the activation record. A missing file returns (nil, nil).
// Legacy single-tier records are upgraded in place.
func (p *Persistence) Load() (*Record, error) {
	info, err := os.Lstat(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat license record: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("license record %q is not a regular file", p.path)
	}
	if info.Size() > maxRecordFileSize {
		return nil, fmt.Errorf("license record %q exceeds size limit", p.path)
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read license record: %w", err)
	}

	var stored persistedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse license record: %w", err)
	}

	record := &Record{
		Key:         stored.Key,
		Tier:        stored.Tier,
		ActivatedAt: stored.ActivatedAt,
	}

	if stored.Tier == "" && stored.Pro != nil {
		// Legacy format: {"key":..., "pro":true}.
		if *stored.Pro {
			record.Tier = gate.TierPro
		} else {
			record.Tier = gate.TierFree
		}
		if err := p.Save(record); err != nil {
			log.Warn().Err(err).Msg("Failed to upgrade legacy license record")
		} else {
			log.Info().Msg("Upgraded legacy license record to tiered format")
		}
	}

	return record, nil
}

// Save writes the record atomically with owner-only permissions,
// overwriting any prior record.
func (p *Persistence) Save(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode license record: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(p.path), RecordFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp license record: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(recordFilePerm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("set license record permissions: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write license record: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close license record: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("replace license record: %w", err)
	}
	cleanup = false
	return nil
}

// Delete removes the record. A missing record is not an error.
func (p *Persistence) Delete() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove license record: %w", err)
	}
	return nil
}

// Exists reports whether a record file is present on disk.
func (p *Persistence) Exists() bool {
	info, err := os.Lstat(p.path)
	return err == nil && info.Mode().IsRegular()
}
