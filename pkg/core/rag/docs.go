package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// supportedExtensions lists the document types ingestion accepts.
var supportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// Document is one source file staged for ingestion.
type Document struct {
	ID   string // stable identifier derived from the relative path
	Path string
	Text string
}

// LoadDocuments walks dir and reads every supported file. The document ID is
// a digest of the path relative to dir, so re-ingesting the same tree
// replaces rather than duplicates.
func LoadDocuments(dir string) ([]Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("document dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document dir %s is not a directory", dir)
	}

	var docs []Document
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		docs = append(docs, Document{
			ID:   docID(rel),
			Path: path,
			Text: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// readDocument stages one file for ingestion.
func readDocument(path string) (Document, error) {
	if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
		return Document{}, fmt.Errorf("unsupported document type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Document{
		ID:   docID(filepath.Base(path)),
		Path: path,
		Text: string(data),
	}, nil
}

func docID(relPath string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(relPath)))
	return hex.EncodeToString(sum[:16])
}
