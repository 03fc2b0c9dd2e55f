package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIsS3URL(t *testing.T) {
	tests := []struct {
		location string
		want     bool
	}{
		{"s3://bucket/images/test.dd", true},
		{"/evidence/test.dd", false},
		{"test.dd", false},
	}
	for _, tt := range tests {
		if got := IsS3URL(tt.location); got != tt.want {
			t.Errorf("IsS3URL(%q) = %v, want %v", tt.location, got, tt.want)
		}
	}
}

func TestParseURL(t *testing.T) {
	bucket, key, err := ParseURL("s3://evidence/images/test.dd")
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	if bucket != "evidence" || key != "images/test.dd" {
		t.Errorf("ParseURL() = %q/%q, want evidence/images/test.dd", bucket, key)
	}

	for _, bad := range []string{"/local/test.dd", "s3://", "s3://bucketonly", "s3://bucket/"} {
		if _, _, err := ParseURL(bad); err == nil {
			t.Errorf("ParseURL(%q) expected error", bad)
		}
	}
}

func TestStageCacheHit(t *testing.T) {
	cacheDir := t.TempDir()
	cached := filepath.Join(cacheDir, "test.dd")
	if err := os.WriteFile(cached, []byte("image data"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	// An already staged image must be reused without touching S3.
	got, err := Stage(context.Background(), "s3://evidence/images/test.dd", cacheDir, "us-east-1")
	if err != nil {
		t.Fatalf("Stage() error: %v", err)
	}
	if got != cached {
		t.Errorf("Stage() = %q, want %q", got, cached)
	}
}
