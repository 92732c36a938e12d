package filestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFilenameLen = 180

var (
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrInvalidAttachment = errors.New("invalid attachment")
)

// reservedNames are produced by the compiler and may not be supplied by callers.
var reservedNames = map[string]bool{
	"main.tex": true,
	"main.pdf": true,
	"main.log": true,
	"main.aux": true,
}

// Store owns the per-job working directories.
type Store struct {
	Root      string // parent of every job dir
	StylesDir string // read-only directory of shared .sty files
}

// New returns a Store rooted at root.
func New(root, stylesDir string) *Store {
	if root == "" {
		root = filepath.Join(os.TempDir(), "latex-jobs")
	}
	return &Store{Root: root, StylesDir: stylesDir}
}

// CreateJobDir creates {Root}/{jobID}/ and returns the path. The directory
// must not already exist.
func (s *Store) CreateJobDir(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.MkdirAll(s.Root, 0750); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Root, jobID)
	if err := os.Mkdir(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

// Cleanup removes the job directory entirely.
func (s *Store) Cleanup(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.Root, jobID))
}

// CopyStyles copies every .sty file from StylesDir into dst. A missing or
// unset styles directory copies nothing.
func (s *Store) CopyStyles(dst string) (int, error) {
	if s.StylesDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.StylesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".sty") {
			continue
		}
		if err := copyFile(filepath.Join(s.StylesDir, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// SafeFilename strips directory components from name and rejects names that
// are empty, too long, or contain any of \ : * ? " < > |.
func SafeFilename(name string) (string, error) {
	base := path.Base(name)
	if name == "" || strings.HasSuffix(name, "/") || base == "." || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if utf8.RuneCountInString(base) > maxFilenameLen || strings.ContainsAny(base, `\:*?"<>|`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, base)
	}
	return base, nil
}

// Attachment is a caller-supplied file to materialise next to the document.
type Attachment struct {
	Filename string
	Base64   string
}

// WriteAttachments decodes each attachment into dst. Names are validated
// with SafeFilename; compiler outputs cannot be overwritten.
func WriteAttachments(dst string, atts []Attachment) error {
	for _, a := range atts {
		name, err := SafeFilename(a.Filename)
		if err != nil {
			return err
		}
		if reservedNames[strings.ToLower(name)] {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidFilename, name)
		}
		data, err := decodeBase64(a.Base64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAttachment, name, err)
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// decodeBase64 accepts standard base64 with or without padding and ignores
// line breaks.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
