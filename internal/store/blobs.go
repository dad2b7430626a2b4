package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// fsBlobs stores content bytes as plain files, fanned out over a two-hex
// prefix directory to keep directories small.
type fsBlobs struct {
	dir string
}

func (b *fsBlobs) path(id string) string {
	id = sanitizeFilename(id)
	prefix := "00"
	if len(id) >= 2 {
		prefix = id[:2]
	}
	return filepath.Join(b.dir, prefix, id)
}

func (b *fsBlobs) Put(id string, r io.Reader) (int64, error) {
	path := b.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing blob %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("placing blob %s: %w", id, err)
	}
	return n, nil
}

func (b *fsBlobs) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return f, nil
}

func (b *fsBlobs) Bytes(id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", id, err)
	}
	return data, nil
}

func (b *fsBlobs) Size(id string) (int64, error) {
	info, err := os.Stat(b.path(id))
	if err != nil {
		return 0, fmt.Errorf("sizing blob %s: %w", id, err)
	}
	return info.Size(), nil
}

func (b *fsBlobs) Delete(id string) error {
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

// PutBytes is a convenience wrapper over Put for in-memory content.
func PutBytes(b BlobStore, id string, data []byte) error {
	_, err := b.Put(id, bytes.NewReader(data))
	return err
}
