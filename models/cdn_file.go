package models

import "time"

// CDNFile describes a published artifact. URL is the internal download
// redirect, CDNURL the public address.
type CDNFile struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CDNURL    string    `json:"cdnUrl"`
	FileName  string    `json:"fileName"`
	FilePath  string    `json:"filePath"`
	FileSize  int64     `json:"fileSize"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the artifact must no longer be served at now.
func (f *CDNFile) Expired(now time.Time) bool {
	return now.After(f.ExpiresAt)
}
