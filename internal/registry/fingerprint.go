package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentregistry-dev/agentrun/internal/manifest"
)

// FingerprintManifest hashes the manifest file bytes.
func FingerprintManifest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type fileStat struct {
	Size  int64 `json:"size"`
	MTime int64 `json:"mtime"`
}

// FingerprintTree hashes {relative path: {size, mtime}} for every regular,
// non-hidden file below root. Hidden directories and __pycache__ are skipped.
func FingerprintTree(root string) (string, error) {
	entries := map[string]fileStat{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || name == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries[filepath.ToSlash(rel)] = fileStat{
			Size:  info.Size(),
			MTime: info.ModTime().UnixNano(),
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", root, err)
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DriftReport compares a record's fingerprints against a project on disk.
type DriftReport struct {
	AgentID            string `json:"agent_id"`
	ConfigChanged      bool   `json:"config_changed"`
	ContentChanged     bool   `json:"content_changed"`
	ConfigFingerprint  string `json:"config_fingerprint"`
	ContentFingerprint string `json:"content_fingerprint"`
}

// Drifted reports whether anything changed since the record was written.
func (r DriftReport) Drifted() bool {
	return r.ConfigChanged || r.ContentChanged
}

// Drift recomputes both fingerprints of projectDir and compares them with rec.
func Drift(rec *AgentRecord, projectDir string) (DriftReport, error) {
	cfg, err := FingerprintManifest(filepath.Join(projectDir, manifest.FileName))
	if err != nil {
		return DriftReport{}, err
	}
	content, err := FingerprintTree(projectDir)
	if err != nil {
		return DriftReport{}, err
	}
	return DriftReport{
		AgentID:            rec.AgentID,
		ConfigChanged:      cfg != rec.ConfigFingerprint,
		ContentChanged:     content != rec.ContentFingerprint,
		ConfigFingerprint:  cfg,
		ContentFingerprint: content,
	}, nil
}
