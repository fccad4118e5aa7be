package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name next to config.yaml.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// HashMismatchError reports a file whose BLAKE3 digest differs from its pin.
type HashMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", filepath.Base(e.Path), e.Expected, e.Actual)
}

// HashFile streams a file through BLAKE3 and returns the hex digest. Worker
// scripts can bundle large model files, so the file is never read whole.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash compares a file against an expected hex digest, ignoring case.
func VerifyFileHash(path, expected string) error {
	actual, err := HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return &HashMismatchError{Path: path, Expected: strings.ToLower(expected), Actual: actual}
	}
	return nil
}

// LockConfig writes a .checksums manifest next to the config pinning the
// config file and any extra files, such as the worker script. Entries are
// keyed relative to the config directory when possible.
func LockConfig(configPath string, extra ...string) (string, *ChecksumManifest, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	dir := filepath.Dir(absPath)

	manifest := &ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, 1+len(extra)),
	}
	for _, p := range append([]string{absPath}, extra...) {
		if p == "" {
			continue
		}
		hash, err := HashFile(p)
		if err != nil {
			return "", nil, err
		}
		manifest.Hashes[manifestKey(dir, p)] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// The manifest is only useful if others cannot rewrite it.
	checksumPath := filepath.Join(dir, ChecksumFile)
	if err := os.WriteFile(checksumPath, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return checksumPath, manifest, nil
}

func manifestKey(dir, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return filepath.ToSlash(rel)
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'enginehost config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// Verify checks every pinned file, resolving relative keys against dir.
// Files are checked in name order so the first failure is stable.
func (m *ChecksumManifest) Verify(dir string) error {
	names := make([]string, 0, len(m.Hashes))
	for name := range m.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.FromSlash(name)
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if err := VerifyFileHash(path, m.Hashes[name]); err != nil {
			return err
		}
	}
	return nil
}
