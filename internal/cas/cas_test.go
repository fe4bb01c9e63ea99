package cas

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/internal/store"
)

func newTestCAS(t *testing.T) (*CAS, *sql.DB) {
	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s.DB()), s.DB()
}

func TestStoreAndRetrieve(t *testing.T) {
	c, _ := newTestCAS(t)

	content := []byte("hello loom")
	hash, err := c.Store(content, "text/plain")
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if hash != HashBytes(content) {
		t.Errorf("Store returned wrong hash: %s", hash)
	}
	if len(hash) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(hash))
	}

	got, err := c.Retrieve(hash)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Retrieved %q, want %q", got, content)
	}
}

func TestStoreIdempotent(t *testing.T) {
	c, db := newTestCAS(t)

	content := []byte("same bytes")
	h1, err := c.Store(content, "text/plain")
	if err != nil {
		t.Fatalf("First store failed: %v", err)
	}
	h2, err := c.Store(content, "text/markdown")
	if err != nil {
		t.Fatalf("Second store failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Identical bytes produced different hashes: %s vs %s", h1, h2)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM content_store WHERE content_hash = ?`, h1).Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row for the hash, got %d", count)
	}
}

func TestStoreEmptyContent(t *testing.T) {
	c, _ := newTestCAS(t)

	hash, err := c.Store([]byte{}, "")
	if err != nil {
		t.Fatalf("Store of empty content failed: %v", err)
	}

	got, err := c.Retrieve(hash)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty content, got %q", got)
	}

	meta, err := c.GetMetadata(hash)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.Size != 0 {
		t.Errorf("Expected size 0, got %d", meta.Size)
	}
	if meta.ContentType != "text/plain" {
		t.Errorf("Expected default content type, got %s", meta.ContentType)
	}
}

func TestRetrieveMissing(t *testing.T) {
	c, _ := newTestCAS(t)

	if _, err := c.Retrieve(HashBytes([]byte("never stored"))); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetMetadata("deadbeef"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestChunkedReconstruct(t *testing.T) {
	c, _ := newTestCAS(t)

	full := []byte("abcdefghij")
	hash := HashBytes(full)

	// Append out of order; reconstruction follows chunk index
	if err := c.AppendChunk(hash, []byte("fghij"), 1, 5); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}
	if err := c.AppendChunk(hash, []byte("abcde"), 0, 0); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}

	got, err := c.Reconstruct(hash)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Errorf("Reconstructed %q, want %q", got, full)
	}

	if _, err := c.Reconstruct("nochunks"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown hash, got %v", err)
	}
}

func TestRefResolve(t *testing.T) {
	c, _ := newTestCAS(t)

	hash, err := c.Store([]byte("referenced content"), "text/plain")
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ref := Ref(hash)
	if ref != "ref:"+hash[:12] {
		t.Errorf("Unexpected ref format: %s", ref)
	}

	resolved, err := c.ResolveRef(ref)
	if err != nil {
		t.Fatalf("ResolveRef failed: %v", err)
	}
	if resolved != hash {
		t.Errorf("Resolved %s, want %s", resolved, hash)
	}

	// The prefix works without the ref: marker too
	resolved, err = c.ResolveRef(hash[:12])
	if err != nil {
		t.Fatalf("ResolveRef without prefix failed: %v", err)
	}
	if resolved != hash {
		t.Errorf("Resolved %s, want %s", resolved, hash)
	}

	if _, err := c.ResolveRef("ref:000000000000"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown ref, got %v", err)
	}
	if _, err := c.ResolveRef("ref:"); err == nil {
		t.Error("Empty ref should be rejected")
	}
}

func TestRefAmbiguous(t *testing.T) {
	c, db := newTestCAS(t)

	// Force two rows sharing a hash prefix; real collisions at 12 hex
	// chars are too rare to produce organically.
	for _, h := range []string{"aabbccddeeff0001", "aabbccddeeff0002"} {
		_, err := db.Exec(
			`INSERT INTO content_store (content_hash, content_type, content, size, created_at)
			 VALUES (?, 'text/plain', X'00', 1, CURRENT_TIMESTAMP)`, h)
		if err != nil {
			t.Fatalf("Seed insert failed: %v", err)
		}
	}

	if _, err := c.ResolveRef("ref:aabbccddeeff"); err != ErrAmbiguousRef {
		t.Errorf("Expected ErrAmbiguousRef, got %v", err)
	}
}
