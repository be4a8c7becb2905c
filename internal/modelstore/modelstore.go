// Package modelstore enumerates and validates the locally available GGUF
// models under a models directory, using internal/modelpath for the
// name/directory mapping and internal/hashsum-free magic-byte sniffing
// for validity.
package modelstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"noded/internal/modelpath"
)

// ggufMagic is the four-byte ASCII header every valid GGUF file starts with.
var ggufMagic = [4]byte{'G', 'G', 'U', 'F'}

// Entry describes one model directory found during enumeration.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
}

// Store resolves model names to on-disk paths and enumerates what is
// locally available under modelsDir.
type Store struct {
	modelsDir string
	log       *zerolog.Logger
}

// New returns a Store rooted at modelsDir. logger may be nil.
func New(modelsDir string, logger *zerolog.Logger) *Store {
	return &Store{modelsDir: modelsDir, log: logger}
}

func (s *Store) logger() *zerolog.Logger { return s.log }

func (s *Store) dirFor(name string) string {
	return filepath.Join(s.modelsDir, modelpath.NameToDir(name))
}

// GGUFPath returns the expected model.gguf path for name, regardless of
// whether it currently exists.
func (s *Store) GGUFPath(name string) string {
	return filepath.Join(s.dirFor(name), "model.gguf")
}

// Resolve returns the absolute path to name's model.gguf, or "" if it does
// not exist as a regular file.
func (s *Store) Resolve(name string) string {
	p := s.GGUFPath(name)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return ""
	}
	return p
}

// ListAvailable scans immediate subdirectories of modelsDir and returns one
// Entry per subdirectory that contains a model.gguf file.
func (s *Store) ListAvailable() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		ggufPath := filepath.Join(s.modelsDir, de.Name(), "model.gguf")
		fi, err := os.Stat(ggufPath)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		name := modelpath.DirToName(de.Name())
		out = append(out, Entry{
			Name:  name,
			Path:  ggufPath,
			Valid: hasGGUFMagic(ggufPath),
		})
	}
	return out, nil
}

// LoadMetadata reads <models_dir>/<DirName>/metadata.json for name, if
// present. Returns (nil, nil) when the file does not exist.
func (s *Store) LoadMetadata(name string) (map[string]any, error) {
	p := filepath.Join(s.dirFor(name), "metadata.json")
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveChatTemplate merges a chat_template override into
// <models_dir>/<DirName>/metadata.json, creating the file if no sync or
// repair pass has written one yet. This is the one way a /pull request's
// chat_template hint (spec.md §6) reaches family detection when the
// registry manifest itself carries none.
func (s *Store) SaveChatTemplate(name, chatTemplate string) error {
	if chatTemplate == "" {
		return nil
	}
	meta, err := s.LoadMetadata(name)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["chat_template"] = chatTemplate

	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	dir := s.dirFor(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), b, 0o644)
}

// Validate reports whether name's model.gguf exists and is a regular file.
// This mirrors spec.md's definition exactly: it does not check the GGUF
// magic bytes (that is a stronger check, exposed separately via
// HasValidHeader, and used by the repair coordinator).
func (s *Store) Validate(name string) bool {
	p := s.GGUFPath(name)
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// HasValidHeader reports whether path exists and its first four bytes are
// the ASCII literal "GGUF" (invariant I5).
func HasValidHeader(path string) bool {
	return hasGGUFMagic(path)
}

func hasGGUFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var buf [4]byte
	n, err := f.Read(buf[:])
	if err != nil || n < 4 {
		return false
	}
	return buf == ggufMagic
}
