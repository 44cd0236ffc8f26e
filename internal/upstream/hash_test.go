package upstream

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestParseDigest(t *testing.T) {
	d, err := ParseDigest("SHA256:" + strings.ToUpper(helloSHA256))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if d.Algorithm != "sha256" || d.Hex != helloSHA256 {
		t.Fatalf("unexpected digest: %+v", d)
	}

	bare, err := ParseDigest("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")
	if err != nil {
		t.Fatalf("bare sha1 should parse: %v", err)
	}
	if bare.Algorithm != "sha1" {
		t.Fatalf("expected sha1, got %s", bare.Algorithm)
	}

	for _, raw := range []string{"", "md5:abc", "sha256:zz", "abc", "sha256:" + helloSHA256[:10]} {
		if _, err := ParseDigest(raw); !errors.Is(err, ErrUnsupportedDigest) {
			t.Fatalf("%q: expected ErrUnsupportedDigest, got %v", raw, err)
		}
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	sum, err := HashFile(path, "sha256")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	d, _ := ParseDigest(helloSHA256)
	if !d.Matches(sum) {
		t.Fatalf("digest mismatch: %s", sum)
	}

	if _, err := HashFile(path, "crc32"); !errors.Is(err, ErrUnsupportedDigest) {
		t.Fatalf("expected ErrUnsupportedDigest, got %v", err)
	}
}
