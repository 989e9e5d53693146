package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerService_NoURLAllowsEverything(t *testing.T) {
	verdict, err := NewScannerService("").Scan(context.Background(), "/uploads/a.jpg")
	require.NoError(t, err)
	assert.True(t, verdict.IsClean)
}

func TestScannerService_Scan(t *testing.T) {
	svc := NewScannerService("http://scanner.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/scan", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "/uploads/eicar.jpg", body["file"])

		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"isClean":false,"threat":"EICAR"}`))),
			Header:     make(http.Header),
		}, nil
	})

	verdict, err := svc.Scan(context.Background(), "/uploads/eicar.jpg")
	require.NoError(t, err)
	assert.False(t, verdict.IsClean)
	assert.Equal(t, "EICAR", verdict.Threat)
}

func TestScannerService_ScanErrorStatus(t *testing.T) {
	svc := NewScannerService("http://scanner.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     make(http.Header),
		}, nil
	})

	_, err := svc.Scan(context.Background(), "/uploads/a.jpg")
	assert.Error(t, err)
}
