package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// exportDOCX converts the rendered transcript with pandoc, reading HTML on
// stdin and writing the document to stdout.
func exportDOCX(parent context.Context, html string, base string) (*Result, error) {
	pandoc, err := exec.LookPath("pandoc")
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(parent, renderTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, pandoc, "--from=html", "--to=docx", "--standalone", "--output=-")
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pandoc failed: %s", msg)
		}
		return nil, fmt.Errorf("pandoc failed: %w", err)
	}
	return &Result{Data: stdout.Bytes(), Filename: base + ".docx", MimeType: docxMime}, nil
}
