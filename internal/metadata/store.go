// Package metadata persists the sole durable entity described in §3:
// (bucket, object_key) -> (cid, content_type, size, timestamps). It is
// backed by modernc.org/sqlite (pure Go, no cgo) via database/sql,
// grounded on other_examples/jdillenkofer-pithos__sql.go's
// repository-over-database/sql shape and original_source/database.rs's
// upsert/cid_count/find_shallowest_removable_directory operations.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNoSuchKey    = errors.New("no such key")
	ErrNoSuchBucket = errors.New("no such bucket")
)

type Object struct {
	Bucket      string
	Key         string
	CID         string
	ContentType string
	Size        int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Store struct {
	db *sql.DB
}

// Open connects to databaseURL (a modernc.org/sqlite DSN, e.g.
// "file:/var/lib/aricanduva/metadata.db") and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	bucket       TEXT NOT NULL,
	object_key   TEXT NOT NULL,
	cid          TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size         INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (bucket, object_key)
);
CREATE INDEX IF NOT EXISTS idx_metadata_cid ON metadata (cid);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate metadata schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put upserts the (bucket, key) row, replacing cid/content_type/size/
// updated_at on conflict, per §3's primary-key invariant.
func (s *Store) Put(ctx context.Context, bucket, key, cid, contentType string, size int64, now time.Time) error {
	const q = `
INSERT INTO metadata (bucket, object_key, cid, content_type, size, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (bucket, object_key) DO UPDATE SET
	cid = excluded.cid,
	content_type = excluded.content_type,
	size = excluded.size,
	updated_at = excluded.updated_at
`
	_, err := s.db.ExecContext(ctx, q, bucket, key, cid, contentType, size, now, now)
	if err != nil {
		return fmt.Errorf("upsert metadata for %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get returns the row for (bucket, key), or ErrNoSuchKey.
func (s *Store) Get(ctx context.Context, bucket, key string) (Object, error) {
	const q = `SELECT bucket, object_key, cid, content_type, size, created_at, updated_at FROM metadata WHERE bucket = ? AND object_key = ?`
	row := s.db.QueryRowContext(ctx, q, bucket, key)
	var o Object
	if err := row.Scan(&o.Bucket, &o.Key, &o.CID, &o.ContentType, &o.Size, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, ErrNoSuchKey
		}
		return Object{}, fmt.Errorf("get metadata for %s/%s: %w", bucket, key, err)
	}
	return o, nil
}

// Delete removes the row for (bucket, key) and returns it so the caller
// can decide whether the underlying CID is now orphaned.
func (s *Store) Delete(ctx context.Context, bucket, key string) (Object, error) {
	o, err := s.Get(ctx, bucket, key)
	if err != nil {
		return Object{}, err
	}
	const q = `DELETE FROM metadata WHERE bucket = ? AND object_key = ?`
	if _, err := s.db.ExecContext(ctx, q, bucket, key); err != nil {
		return Object{}, fmt.Errorf("delete metadata for %s/%s: %w", bucket, key, err)
	}
	return o, nil
}

// CIDCount reports how many rows still reference cid, used to decide
// whether a DeleteObject should unpin/unlink it from IPFS.
func (s *Store) CIDCount(ctx context.Context, cid string) (int64, error) {
	const q = `SELECT COUNT(1) FROM metadata WHERE cid = ?`
	var count int64
	if err := s.db.QueryRowContext(ctx, q, cid).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cid references for %s: %w", cid, err)
	}
	return count, nil
}

// ListBuckets returns the distinct bucket names with at least one
// object, ordered lexicographically. Buckets are never created
// explicitly (§4.3), so this is the only notion of "bucket list" the
// store has.
func (s *Store) ListBuckets(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT bucket FROM metadata ORDER BY bucket ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []string
	for rows.Next() {
		var bucket string
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// BucketExists reports whether any row exists for bucket; §4.3's
// HeadBucket semantics treat bucket existence as implicit.
func (s *Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM metadata WHERE bucket = ?)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, bucket).Scan(&exists); err != nil {
		return false, fmt.Errorf("check bucket existence for %s: %w", bucket, err)
	}
	return exists, nil
}

// ancestors returns path's directory ancestors, deepest first, mirroring
// original_source/database.rs's UnixPath::ancestors() walk.
func ancestors(path string) []string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) <= 1 {
		return nil
	}
	var out []string
	for depth := len(segments) - 1; depth > 0; depth-- {
		out = append(out, strings.Join(segments[:depth], "/"))
	}
	return out
}

// FindShallowestRemovableDirectory walks key's ancestor directories from
// deepest to shallowest and returns the shallowest one with no other
// object beginning with "{ancestor}/", or "" if none qualify. This is an
// N+1-query pattern (one query per ancestor segment), an accepted
// trade-off per §4.3 step 3.
func (s *Store) FindShallowestRemovableDirectory(ctx context.Context, bucket, key string) (string, error) {
	shallowest := ""
	for _, ancestor := range ancestors(key) {
		const q = `SELECT COUNT(1) FROM metadata WHERE bucket = ? AND object_key LIKE ? ESCAPE '\' AND object_key != ?`
		var count int64
		if err := s.db.QueryRowContext(ctx, q, bucket, likePrefix(ancestor+"/"), key).Scan(&count); err != nil {
			return "", fmt.Errorf("scan ancestor %s: %w", ancestor, err)
		}
		if count == 0 {
			shallowest = ancestor
			continue
		}
		break
	}
	return shallowest, nil
}

// ListResult is the outcome of a ListObjectsV2-style listing.
type ListResult struct {
	Objects           []Object
	CommonPrefixes    []string
	IsTruncated       bool
	NextContinuation  string
}

// List performs the paginated listing behind GetBucket/ListObjectsV2 per
// §4.3: lexicographic key order, optional prefix/delimiter filtering,
// opaque continuation-token pagination (the last returned key), and a
// max-keys cap (default/max both 1000 per §4.3).
func (s *Store) List(ctx context.Context, bucket, prefix, delimiter, continuationToken string, maxKeys int) (ListResult, error) {
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}

	const q = `
SELECT bucket, object_key, cid, content_type, size, created_at, updated_at
FROM metadata
WHERE bucket = ? AND object_key LIKE ? ESCAPE '\' AND object_key > ?
ORDER BY object_key ASC
`
	rows, err := s.db.QueryContext(ctx, q, bucket, likePrefix(prefix), continuationToken)
	if err != nil {
		return ListResult{}, fmt.Errorf("list objects in %s: %w", bucket, err)
	}
	defer rows.Close()

	var all []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Bucket, &o.Key, &o.CID, &o.ContentType, &o.Size, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan listed object: %w", err)
		}
		all = append(all, o)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate listed objects: %w", err)
	}

	result := ListResult{}
	seenPrefixes := make(map[string]struct{})
	for _, o := range all {
		if delimiter != "" {
			if cp, ok := commonPrefix(prefix, o.Key, delimiter); ok {
				if _, dup := seenPrefixes[cp]; !dup {
					seenPrefixes[cp] = struct{}{}
					result.CommonPrefixes = append(result.CommonPrefixes, cp)
				}
				continue
			}
		}
		if len(result.Objects) >= maxKeys {
			result.IsTruncated = true
			break
		}
		result.Objects = append(result.Objects, o)
		result.NextContinuation = o.Key
	}
	sort.Strings(result.CommonPrefixes)
	if !result.IsTruncated {
		result.NextContinuation = ""
	}
	return result, nil
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)
	return escaped + "%"
}

// commonPrefix mirrors jdillenkofer-pithos's determineCommonPrefix: the
// key segment, relative to prefix, up to and including the next
// delimiter.
func commonPrefix(prefix, key, delimiter string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return "", false
	}
	return prefix + rest[:idx+len(delimiter)], true
}
