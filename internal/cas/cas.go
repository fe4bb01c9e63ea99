// Package cas implements content-addressable blob storage keyed by the
// SHA-256 of the stored bytes. Blobs are append-only: identical bytes
// always map to one row, and existing rows are never mutated, so
// readers never observe partial content.
package cas

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/internal/models"
)

// RefPrefix introduces a short content reference string.
const RefPrefix = "ref:"

// refHashLen is how many hex characters of the hash a reference
// carries. Collisions at this length are an accepted tradeoff.
const refHashLen = 12

// ErrNotFound indicates no blob exists for the requested hash.
var ErrNotFound = errors.New("content not found")

// ErrAmbiguousRef indicates a reference prefix matches more than one
// stored blob.
var ErrAmbiguousRef = errors.New("ambiguous content reference")

// CAS provides content-addressable storage over a shared database
// handle.
type CAS struct {
	db *sql.DB
}

// New wraps the given handle. The schema is owned by the store package.
func New(db *sql.DB) *CAS {
	return &CAS{db: db}
}

// HashBytes returns the hex SHA-256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Store persists content and returns its hash. Storing bytes that
// already exist is a no-op returning the existing hash; no duplicate
// row is written and no error is raised.
func (c *CAS) Store(content []byte, contentType string) (string, error) {
	hash := HashBytes(content)

	var existing string
	err := c.db.QueryRow(`SELECT content_hash FROM content_store WHERE content_hash = ?`, hash).Scan(&existing)
	if err == nil {
		return hash, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("query blob: %w", err)
	}

	if contentType == "" {
		contentType = "text/plain"
	}
	_, err = c.db.Exec(
		`INSERT INTO content_store (content_hash, content_type, content, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		hash, contentType, content, int64(len(content)), time.Now().UTC(),
	)
	if err != nil {
		// A concurrent writer storing the same bytes is benign: the
		// row it inserted is byte-identical to ours.
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return hash, nil
		}
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return hash, nil
}

// Retrieve returns the bytes stored under hash.
func (c *CAS) Retrieve(hash string) ([]byte, error) {
	var content []byte
	err := c.db.QueryRow(`SELECT content FROM content_store WHERE content_hash = ?`, hash).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

// GetMetadata returns size, type and creation time for a stored blob
// without loading its bytes.
func (c *CAS) GetMetadata(hash string) (*models.ContentBlob, error) {
	blob := &models.ContentBlob{Hash: hash}
	err := c.db.QueryRow(
		`SELECT content_type, size, created_at FROM content_store WHERE content_hash = ?`, hash,
	).Scan(&blob.ContentType, &blob.Size, &blob.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query blob metadata: %w", err)
	}
	return blob, nil
}

// AppendChunk records one piece of an incremental ingestion stream for
// the given target hash. Chunks are independent of the primary
// store/retrieve path.
func (c *CAS) AppendChunk(hash string, content []byte, index int, offset int64) error {
	_, err := c.db.Exec(
		`INSERT INTO content_chunks (id, content_hash, chunk_index, content, byte_offset, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), hash, index, content, offset, int64(len(content)), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// Reconstruct concatenates a hash's chunks in chunk index order.
func (c *CAS) Reconstruct(hash string) ([]byte, error) {
	rows, err := c.db.Query(
		`SELECT chunk_index, content FROM content_chunks WHERE content_hash = ?`, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	type chunk struct {
		index   int
		content []byte
	}
	var chunks []chunk
	for rows.Next() {
		var ch chunk
		if err := rows.Scan(&ch.index, &ch.content); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNotFound
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
	var out []byte
	for _, ch := range chunks {
		out = append(out, ch.content...)
	}
	return out, nil
}

// Ref returns the short external reference string for a hash.
func Ref(hash string) string {
	if len(hash) > refHashLen {
		hash = hash[:refHashLen]
	}
	return RefPrefix + hash
}

// ResolveRef expands a short reference (with or without the "ref:"
// prefix) to the full stored hash. A prefix matching several blobs is
// rejected as ambiguous.
func (c *CAS) ResolveRef(ref string) (string, error) {
	prefix := strings.TrimPrefix(strings.TrimSpace(ref), RefPrefix)
	if prefix == "" {
		return "", fmt.Errorf("empty content reference")
	}

	rows, err := c.db.Query(
		`SELECT content_hash FROM content_store WHERE content_hash LIKE ? LIMIT 2`,
		prefix+"%",
	)
	if err != nil {
		return "", fmt.Errorf("query ref: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return "", fmt.Errorf("scan ref: %w", err)
		}
		matches = append(matches, h)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", ErrAmbiguousRef
	}
}
