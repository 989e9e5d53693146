package services

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func assertMultipartPDFAField(t *testing.T, r *http.Request, expectedPath string) {
	t.Helper()

	require.Equal(t, expectedPath, r.URL.Path)

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	var pdfaValue string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err, "failed to read multipart part")

		if part.FormName() == "pdfa" {
			b, _ := io.ReadAll(part)
			pdfaValue = string(b)
		} else {
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}

	assert.Equal(t, pdfaConformance, pdfaValue)
}

func TestGotenbergService_ConvertToPDF_UsesPDFA2b(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assertMultipartPDFAField(t, r, "/forms/libreoffice/convert")
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte("%PDF-1.4\n%EOF\n"))),
			Header:     make(http.Header),
		}, nil
	})

	tmpDir := t.TempDir()
	inputPath := filepath.Join(tmpDir, "input.docx")
	require.NoError(t, os.WriteFile(inputPath, []byte("dummy"), 0644))
	outputPath := filepath.Join(tmpDir, "output.pdf")

	require.NoError(t, svc.ConvertToPDF(context.Background(), inputPath, "docx", outputPath))

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestGotenbergService_ConvertToPDF_ErrorLeavesNoOutput(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Body:       io.NopCloser(bytes.NewReader([]byte("busy"))),
			Header:     make(http.Header),
		}, nil
	})

	tmpDir := t.TempDir()
	inputPath := filepath.Join(tmpDir, "input.docx")
	require.NoError(t, os.WriteFile(inputPath, []byte("dummy"), 0644))
	outputPath := filepath.Join(tmpDir, "output.pdf")

	err := svc.ConvertToPDF(context.Background(), inputPath, "docx", outputPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.NoFileExists(t, outputPath)
}
