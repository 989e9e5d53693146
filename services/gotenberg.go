package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// GotenbergService converts office documents to PDF through a Gotenberg
// instance's LibreOffice route.
type GotenbergService struct {
	baseURL string
	client  *http.Client
}

const pdfaConformance = "PDF/A-2b"

func NewGotenbergService(baseURL string) *GotenbergService {
	return &GotenbergService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// ConvertToPDF posts inputPath and writes the returned PDF to outputPath.
// LibreOffice picks the import filter from the file name, so the upload is
// named with extension. The output only appears at outputPath once fully written.
func (g *GotenbergService) ConvertToPDF(ctx context.Context, inputPath string, extension string, outputPath string) error {
	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := filepath.Base(inputPath)
	if extension != "" && !strings.EqualFold(filepath.Ext(name), "."+extension) {
		name += "." + extension
	}

	part, err := writer.CreateFormFile("files", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	// PDF/A-2b: archival output with better compression
	if err := writer.WriteField("pdfa", pdfaConformance); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return writeFileAtomic(outputPath, resp.Body)
}

// writeFileAtomic streams r into a temp file next to path and renames it in place.
func writeFileAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to save converted file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
