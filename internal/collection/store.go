package collection

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/models"
)

// Load reads a collection snapshot. A missing file yields an empty collection.
// Item order follows the file; a value without an "id" takes its key.
func Load(path string) (*Collection, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}
	defer f.Close()
	c, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", path, err)
	}
	return c, nil
}

// Decode reads a JSON object keyed by item ID.
func Decode(r io.Reader) (*Collection, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("collection must be a JSON object keyed by id")
	}

	c := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var it models.Item
		if err := dec.Decode(&it); err != nil {
			return nil, fmt.Errorf("item %s: %w", key, err)
		}
		if it.ID == "" {
			it.ID = key
		}
		if it.ID != key {
			return nil, fmt.Errorf("item key %q does not match id %q", key, it.ID)
		}
		if err := c.addLocked(&it); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode writes the collection as an indented JSON object keyed by ID, in insertion order.
func (c *Collection) Encode(w io.Writer) error {
	items := c.Items()
	bw := bufio.NewWriter(w)
	if len(items) == 0 {
		if _, err := bw.WriteString("{}\n"); err != nil {
			return err
		}
		return bw.Flush()
	}
	if _, err := bw.WriteString("{\n"); err != nil {
		return err
	}
	for i, it := range items {
		key, err := json.Marshal(it.ID)
		if err != nil {
			return err
		}
		var val bytes.Buffer
		enc := json.NewEncoder(&val)
		enc.SetEscapeHTML(false)
		enc.SetIndent("  ", "  ")
		if err := enc.Encode(it); err != nil {
			return err
		}
		sep := ",\n"
		if i == len(items)-1 {
			sep = "\n"
		}
		if _, err := fmt.Fprintf(bw, "  %s: %s%s", key, bytes.TrimRight(val.Bytes(), "\n"), sep); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("}\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Save atomically overwrites path with the collection snapshot. Failures are PERSISTENCE errors.
func (c *Collection) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return matomeerrors.NewPersistence(path, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	tmpPath := tmp.Name()
	if err := c.Encode(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return matomeerrors.NewPersistence(path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return matomeerrors.NewPersistence(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return matomeerrors.NewPersistence(path, err)
	}
	return nil
}
