package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"guard-service/internal/models"
)

// Content is what a Reader returns for one scan.
type Content struct {
	Data     []byte
	Metadata map[string]int
}

// Reader produces the current content of a resource. An absent resource
// should be reported as empty content, not as an error.
type Reader interface {
	Read(ctx context.Context) (Content, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context) (Content, error)

func (f ReaderFunc) Read(ctx context.Context) (Content, error) {
	return f(ctx)
}

// Resource is one monitored blob.
type Resource struct {
	ID     string
	Type   models.ResourceType
	Reader Reader
}

// BytesReader returns a Reader over a fixed byte slice with derived metadata.
func BytesReader(data []byte) Reader {
	return ReaderFunc(func(context.Context) (Content, error) {
		return Content{Data: data, Metadata: DeriveMetadata(data)}, nil
	})
}

// FileReader reads a file from disk. A missing file reads as empty.
type FileReader struct {
	Path string
}

func (r *FileReader) Read(ctx context.Context) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	data, err := os.ReadFile(r.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Content{Metadata: map[string]int{}}, nil
	}
	if err != nil {
		return Content{}, fmt.Errorf("failed to read %s: %w", r.Path, err)
	}
	return Content{Data: data, Metadata: DeriveMetadata(data)}, nil
}

// DeriveMetadata counts lines, and items for JSON arrays or keys for JSON objects.
func DeriveMetadata(data []byte) map[string]int {
	md := map[string]int{}
	if len(data) == 0 {
		return md
	}
	md["lines"] = bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		md["lines"]++
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return md
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(trimmed, &items) == nil {
			md["items"] = len(items)
		}
	case '{':
		var keys map[string]json.RawMessage
		if json.Unmarshal(trimmed, &keys) == nil {
			md["keys"] = len(keys)
		}
	}
	return md
}
