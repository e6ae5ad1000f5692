// Package ingest validates PDF batches and forwards them to the document
// ingestion endpoint.
package ingest

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
)

const (
	MaxFileSize = 10 << 20
	pdfType     = "application/pdf"
)

var (
	ErrNotPDF      = errors.New("only PDF files are accepted")
	ErrTooLarge    = fmt.Errorf("file exceeds %d MiB", MaxFileSize>>20)
	ErrDuplicate   = errors.New("file is already added")
	ErrInvalidName = errors.New("file name is required")
	ErrEmptyBatch  = errors.New("no files selected")
)

type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Batch is the set of files selected for one upload. It is safe for
// concurrent use.
type Batch struct {
	mu    sync.Mutex
	files []File
}

func NewBatch() *Batch {
	return &Batch{}
}

// Add validates f and appends it to the batch.
func (b *Batch) Add(f File) error {
	f.Name = filepath.Base(strings.TrimSpace(f.Name))
	if f.Name == "" || f.Name == "." || f.Name == string(filepath.Separator) {
		return &ValidationError{Name: f.Name, Err: ErrInvalidName}
	}
	if len(f.Data) > MaxFileSize {
		return &ValidationError{Name: f.Name, Err: ErrTooLarge}
	}
	if !isPDF(f) {
		return &ValidationError{Name: f.Name, Err: ErrNotPDF}
	}
	f.ContentType = pdfType

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.files {
		if existing.Name == f.Name {
			return &ValidationError{Name: f.Name, Err: ErrDuplicate}
		}
	}
	b.files = append(b.files, f)
	return nil
}

// Remove drops the file with the given name and reports whether it was present.
func (b *Batch) Remove(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, f := range b.files {
		if f.Name == name {
			b.files = append(b.files[:i], b.files[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Batch) Files() []File {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]File, len(b.files))
	copy(out, b.files)
	return out
}

func (b *Batch) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.files))
	for _, f := range b.files {
		names = append(names, f.Name)
	}
	return names
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

func (b *Batch) Reset() {
	b.mu.Lock()
	b.files = nil
	b.mu.Unlock()
}

// isPDF trusts a declared content type and sniffs the payload otherwise.
func isPDF(f File) bool {
	declared := strings.TrimSpace(f.ContentType)
	if declared != "" && declared != "application/octet-stream" {
		mediaType, _, err := mime.ParseMediaType(declared)
		return err == nil && mediaType == pdfType
	}
	return http.DetectContentType(f.Data) == pdfType
}
