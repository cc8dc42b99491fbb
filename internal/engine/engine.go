// Package engine implements the Object Lifecycle Engine described in
// §4.3: it translates bucket/key operations into IPFS RPC calls plus
// metadata-store bookkeeping, and decides between proxying and
// redirecting GetObject responses.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bltavares/aricanduva/internal/config"
	"github.com/bltavares/aricanduva/internal/ipfs"
	"github.com/bltavares/aricanduva/internal/metadata"
	"github.com/bltavares/aricanduva/internal/multipart"
)

// Mode selects how GetObject responses are served.
type Mode string

const (
	ModeProxy    Mode = "proxy"
	ModeRedirect Mode = "redirect"
	ModeAuto     Mode = "auto"
)

type Engine struct {
	ipfs    *ipfs.Client
	store   *metadata.Store
	uploads *multipart.Registry
	logger  *slog.Logger

	mode             Mode
	publicGateway    string
	folderPrefix     string
	trimEmptyFolders bool
	autoMime         bool
	ipExtraction     IPExtraction
}

func New(cfg config.Config, ipfsClient *ipfs.Client, store *metadata.Store, uploads *multipart.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		ipfs:             ipfsClient,
		store:            store,
		uploads:          uploads,
		logger:           logger,
		mode:             Mode(cfg.Mode),
		publicGateway:    strings.TrimRight(cfg.PublicGateway, "/"),
		folderPrefix:     strings.Trim(cfg.FolderPrefix, "/"),
		trimEmptyFolders: cfg.Experimental.TrimEmptyFolders,
		autoMime:         cfg.Experimental.AutoMime,
		ipExtraction:     IPExtraction(cfg.IPExtraction),
	}
}

// ClientIP extracts the request's client IP using the configured
// extraction policy, for callers deciding auto-mode GetObject handling.
func (e *Engine) ClientIP(r *http.Request) net.IP {
	return ClientIP(r, e.ipExtraction)
}

// etagValue returns the ETag string for content addressed by cid: the
// CID in double quotes, the same form the PutObject response carries.
func etagValue(cid string) string {
	return `"` + cid + `"`
}

func (e *Engine) mfsPath(bucket, key string) string {
	return path.Join("/", e.folderPrefix, bucket, key)
}

func (e *Engine) guessContentType(key, declared string) string {
	if declared != "" {
		return declared
	}
	if e.autoMime {
		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// PutResult is the outcome of a successful PutObject or
// CompleteMultipartUpload.
type PutResult struct {
	CID         string
	ContentType string
	Size        int64
}

// PutObject implements spec.md §4.3's PutObject steps, supplemented
// with MFS mirroring and background orphan unpin per SPEC_FULL.md §4.3.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, body io.Reader, contentType string, size int64) (PutResult, error) {
	contentType = e.guessContentType(key, contentType)

	previous, prevErr := e.store.Get(ctx, bucket, key)
	hadPrevious := prevErr == nil

	cid, err := e.ipfs.Add(ctx, body, contentType)
	if err != nil {
		return PutResult{}, fmt.Errorf("add object to ipfs: %w", err)
	}

	if err := e.ipfs.FilesCP(ctx, cid, e.mfsPath(bucket, key)); err != nil {
		e.logger.Warn("mfs mirror failed", "bucket", bucket, "key", key, "cid", cid, "error", err)
	}

	now := time.Now()
	if err := e.store.Put(ctx, bucket, key, cid, contentType, size, now); err != nil {
		return PutResult{}, fmt.Errorf("store object metadata: %w", err)
	}

	if hadPrevious && previous.CID != cid {
		go e.unpinIfOrphan(context.Background(), previous.CID)
	}

	return PutResult{CID: cid, ContentType: contentType, Size: size}, nil
}

// unpinIfOrphan runs the same cid_count check DeleteObject uses,
// grounded on original_source/s3/put_object.rs's background spawn of
// this check when PutObject overwrites an existing key.
func (e *Engine) unpinIfOrphan(ctx context.Context, cid string) {
	count, err := e.store.CIDCount(ctx, cid)
	if err != nil {
		e.logger.Warn("background orphan check failed", "cid", cid, "error", err)
		return
	}
	if count > 0 {
		return
	}
	if err := e.ipfs.PinRM(ctx, cid); err != nil {
		e.logger.Warn("background unpin failed", "cid", cid, "error", err)
	}
}

// GetResult is the outcome of a GetObject or HeadObject lookup.
type GetResult struct {
	Mode        Mode
	CID         string
	ContentType string
	Size        int64
	RedirectURL string
	Body        io.ReadCloser // set only when Mode == ModeProxy and streaming was requested
}

func (r GetResult) ETag() string { return etagValue(r.CID) }

func (r GetResult) IPFSPath() string  { return "/ipfs/" + r.CID }
func (r GetResult) IPFSRoots() string { return r.CID }

// resolveMode applies the auto/proxy/redirect policy of spec.md §4.3.
func (e *Engine) resolveMode(clientIP net.IP) Mode {
	switch e.mode {
	case ModeProxy, ModeRedirect:
		return e.mode
	default: // ModeAuto
		if IsPrivate(clientIP) {
			return ModeProxy
		}
		return ModeRedirect
	}
}

// GetObject looks up (bucket, key) and, depending on the configured
// mode, either streams the object body (proxy) or leaves Body nil and
// populates RedirectURL (redirect) for the caller to issue a 307.
func (e *Engine) GetObject(ctx context.Context, bucket, key string, clientIP net.IP) (GetResult, error) {
	obj, err := e.store.Get(ctx, bucket, key)
	if err != nil {
		return GetResult{}, err
	}

	mode := e.resolveMode(clientIP)
	result := GetResult{
		Mode:        mode,
		CID:         obj.CID,
		ContentType: obj.ContentType,
		Size:        obj.Size,
	}

	if mode == ModeRedirect {
		result.RedirectURL = e.publicGateway + "/ipfs/" + obj.CID
		return result, nil
	}

	body, err := e.ipfs.Cat(ctx, obj.CID)
	if err != nil {
		return GetResult{}, fmt.Errorf("cat object from ipfs: %w", err)
	}
	result.Body = body
	return result, nil
}

// HeadObject performs the same lookup as GetObject but never touches
// IPFS: it answers from metadata alone, per spec.md §4.3.
func (e *Engine) HeadObject(ctx context.Context, bucket, key string, clientIP net.IP) (GetResult, error) {
	obj, err := e.store.Get(ctx, bucket, key)
	if err != nil {
		return GetResult{}, err
	}
	mode := e.resolveMode(clientIP)
	result := GetResult{Mode: mode, CID: obj.CID, ContentType: obj.ContentType, Size: obj.Size}
	if mode == ModeRedirect {
		result.RedirectURL = e.publicGateway + "/ipfs/" + obj.CID
	}
	return result, nil
}

// DeleteObject implements spec.md §4.3's DeleteObject steps 1-4. Like
// S3's own DeleteObject, deleting a key that doesn't exist is not an
// error.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key string) error {
	deleted, err := e.store.Delete(ctx, bucket, key)
	if errors.Is(err, metadata.ErrNoSuchKey) {
		return nil
	}
	if err != nil {
		return err
	}

	count, err := e.store.CIDCount(ctx, deleted.CID)
	if err != nil {
		e.logger.Warn("orphan check failed", "bucket", bucket, "key", key, "cid", deleted.CID, "error", err)
	} else if count == 0 {
		if err := e.ipfs.PinRM(ctx, deleted.CID); err != nil {
			e.logger.Warn("unpin failed", "cid", deleted.CID, "error", err)
		}
		if err := e.ipfs.FilesRM(ctx, e.mfsPath(bucket, key), false); err != nil {
			e.logger.Warn("mfs unlink failed", "bucket", bucket, "key", key, "error", err)
		}
	}

	if e.trimEmptyFolders {
		dir, err := e.store.FindShallowestRemovableDirectory(ctx, bucket, key)
		if err != nil {
			e.logger.Warn("trim lookup failed", "bucket", bucket, "key", key, "error", err)
		} else if dir != "" {
			if err := e.ipfs.FilesRM(ctx, e.mfsPath(bucket, dir), true); err != nil {
				e.logger.Warn("mfs trim failed", "bucket", bucket, "dir", dir, "error", err)
			}
		}
	}

	return nil
}

// DeleteResult is one entry of a DeleteObjects bulk response.
type DeleteResult struct {
	Key     string
	Deleted bool
	Err     error
}

// DeleteObjects applies DeleteObject semantics per key; a failure on
// one key never aborts the batch, per spec.md §4.3.
func (e *Engine) DeleteObjects(ctx context.Context, bucket string, keys []string) []DeleteResult {
	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		err := e.DeleteObject(ctx, bucket, key)
		results = append(results, DeleteResult{Key: key, Deleted: err == nil, Err: err})
	}
	return results
}

// ListBuckets returns every bucket with at least one object.
func (e *Engine) ListBuckets(ctx context.Context) ([]string, error) {
	return e.store.ListBuckets(ctx)
}

// HeadBucket reports whether bucket has at least one object.
func (e *Engine) HeadBucket(ctx context.Context, bucket string) (bool, error) {
	return e.store.BucketExists(ctx, bucket)
}

// GetBucketLocation always returns the configured region.
func (e *Engine) GetBucketLocation(region string) string {
	return region
}

// ListObjectsV2 delegates directly to the metadata store's paginated
// listing.
func (e *Engine) ListObjectsV2(ctx context.Context, bucket, prefix, delimiter, continuationToken string, maxKeys int) (metadata.ListResult, error) {
	return e.store.List(ctx, bucket, prefix, delimiter, continuationToken, maxKeys)
}

// CreateMultipartUpload starts a staged upload.
func (e *Engine) CreateMultipartUpload(bucket, key, contentType string) (string, error) {
	return e.uploads.Create(bucket, key, e.guessContentType(key, contentType))
}

// UploadPart stages one part's bytes and returns its ETag.
func (e *Engine) UploadPart(uploadID string, partNumber int, body []byte) (string, error) {
	return e.uploads.UploadPart(uploadID, partNumber, body)
}

// AbortMultipartUpload discards a staged upload.
func (e *Engine) AbortMultipartUpload(uploadID string) error {
	return e.uploads.Abort(uploadID)
}

// CompleteMultipartUpload concatenates the declared parts in order and
// writes the result the same way PutObject does.
func (e *Engine) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, declaredParts []multipart.DeclaredPart) (PutResult, error) {
	completed, err := e.uploads.Complete(uploadID, declaredParts)
	if err != nil {
		return PutResult{}, err
	}
	if completed.Bucket != bucket || completed.Key != key {
		return PutResult{}, errors.New("engine: upload id does not match bucket/key")
	}
	return e.PutObject(ctx, bucket, key, bytes.NewReader(completed.Body), completed.ContentType, int64(len(completed.Body)))
}
