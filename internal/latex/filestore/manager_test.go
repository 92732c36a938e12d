package filestore

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndCleanupJobDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "jobs"), "")

	dir, err := s.CreateJobDir("job-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	_, err = s.CreateJobDir("job-1")
	assert.Error(t, err, "job dirs are never reused")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.tex"), []byte("x"), 0600))
	require.NoError(t, s.Cleanup("job-1"))
	assert.NoDirExists(t, dir)
}

func TestCreateJobDirRejectsTraversal(t *testing.T) {
	s := New(t.TempDir(), "")
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.CreateJobDir(id)
		assert.Error(t, err, id)
	}
}

func TestCopyStyles(t *testing.T) {
	styles := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(styles, "vietnam.sty"), []byte("% vn"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(styles, "EX_TEST.STY"), []byte("% ex"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(styles, "notes.txt"), []byte("no"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(styles, "dir.sty"), 0755))

	dst := t.TempDir()
	n, err := New(t.TempDir(), styles).CopyStyles(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dst, "vietnam.sty"))
	assert.FileExists(t, filepath.Join(dst, "EX_TEST.STY"))
	assert.NoFileExists(t, filepath.Join(dst, "notes.txt"))
}

func TestCopyStylesMissingDir(t *testing.T) {
	n, err := New(t.TempDir(), filepath.Join(t.TempDir(), "none")).CopyStyles(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSafeFilename(t *testing.T) {
	long := strings.Repeat("a", 180)
	valid := map[string]string{
		"Img-1.png":     "Img-1.png",
		"figs/plot.pdf": "plot.pdf",
		"/etc/passwd":   "passwd",
		"../../x.png":   "x.png",
		"ảnh.jpg":       "ảnh.jpg",
		long:            long,
	}
	for in, want := range valid {
		got, err := SafeFilename(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	invalid := []string{
		"", ".", "..", "dir/", strings.Repeat("a", 181),
		`a\b.png`, "c:x.png", "a*.png", "a?.png", `a".png`, "a<.png", "a>.png", "a|.png",
	}
	for _, in := range invalid {
		_, err := SafeFilename(in)
		assert.True(t, errors.Is(err, ErrInvalidFilename), in)
	}
}

func TestWriteAttachments(t *testing.T) {
	dst := t.TempDir()
	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	err := WriteAttachments(dst, []Attachment{
		{Filename: "img/Img-1.png", Base64: base64.StdEncoding.EncodeToString(payload)},
		{Filename: "raw.bin", Base64: base64.RawStdEncoding.EncodeToString([]byte("ab"))},
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "Img-1.png"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = os.ReadFile(filepath.Join(dst, "raw.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestWriteAttachmentsErrors(t *testing.T) {
	dst := t.TempDir()

	err := WriteAttachments(dst, []Attachment{{Filename: "bad|name.png", Base64: ""}})
	assert.ErrorIs(t, err, ErrInvalidFilename)

	err = WriteAttachments(dst, []Attachment{{Filename: "MAIN.tex", Base64: "eA=="}})
	assert.ErrorIs(t, err, ErrInvalidFilename)

	err = WriteAttachments(dst, []Attachment{{Filename: "x.png", Base64: "!!!not base64"}})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
	assert.Contains(t, err.Error(), "x.png")
}
