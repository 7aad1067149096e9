package models

import (
	"strings"
	"time"
)

// UploadedReference describes externally hosted content with time-bounded access.
// A nil or zero ExpiresAt means the reference does not expire.
type UploadedReference struct {
	Key       string     `json:"key,omitempty" yaml:"key,omitempty"`
	URL       string     `json:"url,omitempty" yaml:"url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Known reports whether the reference carries anything usable.
func (r UploadedReference) Known() bool {
	return strings.TrimSpace(r.Key) != "" || strings.TrimSpace(r.URL) != ""
}

// Expires reports whether the reference has an expiry.
func (r UploadedReference) Expires() bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.IsZero()
}

// SignedRead is the signing service response for one key.
type SignedRead struct {
	DownloadURL string `json:"downloadUrl"`
	// ExpiresIn is in seconds.
	ExpiresIn int64 `json:"expiresIn"`
}

// Reference converts the signed read into a reference issued at now.
func (s SignedRead) Reference(key string, now time.Time) UploadedReference {
	ref := UploadedReference{Key: key, URL: s.DownloadURL}
	if s.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
		ref.ExpiresAt = &expiresAt
	}
	return ref
}

// MediaUpload is the media upload service response.
// Duplicate means the payload already existed under ID and is still a success.
type MediaUpload struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Duplicate   bool   `json:"duplicate"`
}
