// Package api wires the S3 dispatcher, the SigV4 verifier, and the
// Object Lifecycle Engine into one HTTP service.
package api

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bltavares/aricanduva/internal/authz"
	"github.com/bltavares/aricanduva/internal/engine"
	"github.com/bltavares/aricanduva/internal/multipart"
	"github.com/bltavares/aricanduva/internal/s3"
	"github.com/bltavares/aricanduva/internal/s3err"
	"github.com/bltavares/aricanduva/internal/sigv4"
)

type Service struct {
	Engine       *engine.Engine
	Authz        *authz.Engine
	Region       string
	ServiceName  string
	ClockSkew    time.Duration
	ServiceHost  string
	MaxBodyBytes int64
	PathHealth   string
	Now          func() time.Time
	Logger       *slog.Logger
}

type requestContext struct {
	RequestID  string
	Principal  authz.Principal
	Target     s3.RequestTarget
	Operation  s3.Operation
	ErrorCode  string
	Auth       *sigv4.RequestAuth
	SigningKey []byte
}

type ctxKey struct{}

func requestContextFrom(ctx context.Context) (requestContext, bool) {
	info, ok := ctx.Value(ctxKey{}).(requestContext)
	return info, ok
}

func (s *Service) Handler() http.Handler {
	nowFn := s.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := s.ServiceName
	if serviceName == "" {
		serviceName = "s3"
	}

	router := s3.NewRouter(s3.RouterConfig{
		ServiceHost: s.ServiceHost,
		PathHealth:  s.PathHealth,
		Handler: func(w http.ResponseWriter, r *http.Request, target s3.RequestTarget, op s3.Operation) {
			s.limitRequestBody(w, r)
			start := nowFn()
			reqID := s3.RequestIDFromContext(r.Context())
			rc := requestContext{RequestID: reqID, Target: target, Operation: op}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			if op == s3.OperationUnknown {
				rc.ErrorCode = s3err.InvalidRequest.Code
				s3err.Write(sw, reqID, s3err.InvalidRequest, resourceFromTarget(target))
				s.logRequest(logger, r, sw.status, nowFn().Sub(start), rc)
				return
			}

			principal, authReq, signingKey, err := s.authenticate(r, nowFn(), serviceName)
			if err != nil {
				apiErr := s3err.MapError(err)
				rc.ErrorCode = apiErr.Code
				s3err.Write(sw, reqID, apiErr, resourceFromTarget(target))
				s.logRequest(logger, r, sw.status, nowFn().Sub(start), rc)
				return
			}
			rc.Principal = principal
			rc.Auth = authReq
			rc.SigningKey = signingKey
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, rc))

			if err := s.dispatch(sw, r, op, target); err != nil {
				apiErr := s3err.MapError(err)
				rc.ErrorCode = apiErr.Code
				s3err.Write(sw, reqID, apiErr, resourceFromTarget(target))
			}
			s.logRequest(logger, r, sw.status, nowFn().Sub(start), rc)
		},
	})

	return router
}

func (s *Service) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody || s.MaxBodyBytes <= 0 {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
}

func (s *Service) logRequest(logger *slog.Logger, r *http.Request, status int, latency time.Duration, rc requestContext) {
	logger.Info("request complete",
		"request_id", rc.RequestID,
		"remote_addr", r.RemoteAddr,
		"method", r.Method,
		"host", r.Host,
		"path", r.URL.Path,
		"status_code", status,
		"latency_ms", latency.Milliseconds(),
		"principal", rc.Principal.AccessKey,
		"bucket", rc.Target.Bucket,
		"key", rc.Target.Key,
		"operation", string(rc.Operation),
		"error_code", rc.ErrorCode,
	)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// authenticate verifies the request's SigV4 signature when credentials
// are configured; anonymous access is permitted otherwise, per §6. It
// also returns the parsed auth and derived signing key so streaming
// chunked bodies (§4.2's third payload variant) can be dechunked and
// have each chunk's signature verified downstream.
func (s *Service) authenticate(r *http.Request, now time.Time, serviceName string) (authz.Principal, *sigv4.RequestAuth, []byte, error) {
	if !s.Authz.Enabled() {
		return authz.Anonymous(), nil, nil, nil
	}

	authReq, err := sigv4.ParseRequestAuth(r, now, s.ClockSkew)
	if err != nil {
		return authz.Principal{}, nil, nil, err
	}
	if err := sigv4.CheckExpiry(authReq, now); err != nil {
		return authz.Principal{}, nil, nil, err
	}
	if err := sigv4.ValidateScope(authReq.Authorization.Credential, s.Region, serviceName); err != nil {
		return authz.Principal{}, nil, nil, err
	}
	secret, principal, ok := s.Authz.SecretForAccessKey(authReq.Authorization.Credential.AccessKey)
	if !ok {
		return authz.Principal{}, nil, nil, sigv4.ErrInvalidAccessKey
	}
	if err := sigv4.VerifyRequest(r, authReq, secret, s.Region, serviceName); err != nil {
		return authz.Principal{}, nil, nil, err
	}
	signingKey := sigv4.SigningKey(secret, authReq.Authorization.Credential.Date, authReq.Authorization.Credential.Region, authReq.Authorization.Credential.Service)
	return principal, &authReq, signingKey, nil
}

// streamingBodyReader dechunks a STREAMING-AWS4-HMAC-SHA256-PAYLOAD body,
// verifying each chunk's signature before yielding its bytes, per §4.2's
// streaming SigV4 variant. Requests signed with any other payload hash
// are passed through unchanged.
func streamingBodyReader(r *http.Request, src io.Reader) (io.Reader, func(), error) {
	info, ok := requestContextFrom(r.Context())
	if !ok || info.Auth == nil || !sigv4.IsStreamingPayload(info.Auth.PayloadHash) {
		return src, func() {}, nil
	}
	expectedDecodedLength := int64(-1)
	if raw := strings.TrimSpace(r.Header.Get("X-Amz-Decoded-Content-Length")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return nil, nil, s3err.InvalidArgument
		}
		expectedDecodedLength = parsed
	}
	return sigv4.DecodeStreamingPayload(r.Context(), src, *info.Auth, info.SigningKey, expectedDecodedLength)
}

func resourceFromTarget(target s3.RequestTarget) string {
	if target.Bucket == "" {
		return "*"
	}
	if target.Key == "" {
		return target.Bucket
	}
	return target.Bucket + "/" + target.Key
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request, op s3.Operation, target s3.RequestTarget) error {
	switch op {
	case s3.OperationListBuckets:
		return s.handleListBuckets(w, r)
	case s3.OperationHeadBucket:
		return s.handleHeadBucket(w, r, target.Bucket)
	case s3.OperationGetBucketLocation:
		return s.handleGetBucketLocation(w, r, target.Bucket)
	case s3.OperationListObjects:
		return s.handleListObjectsV2(w, r, target.Bucket)
	case s3.OperationPutObject:
		return s.handlePutObject(w, r, target)
	case s3.OperationGetObject:
		return s.handleGetObject(w, r, target)
	case s3.OperationHeadObject:
		return s.handleHeadObject(w, r, target)
	case s3.OperationDeleteObject:
		return s.handleDeleteObject(w, r, target)
	case s3.OperationDeleteObjects:
		return s.handleDeleteObjects(w, r, target.Bucket)
	case s3.OperationCreateMultipartUpload:
		return s.handleCreateMultipartUpload(w, r, target)
	case s3.OperationUploadPart:
		return s.handleUploadPart(w, r, target)
	case s3.OperationCompleteMultipartUpload:
		return s.handleCompleteMultipartUpload(w, r, target)
	case s3.OperationAbortMultipartUpload:
		return s.handleAbortMultipartUpload(w, r, target)
	default:
		return s3err.InvalidRequest
	}
}

// --- XML response shapes, element names matching S3 exactly per §4.1 ---

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName,omitempty"`
}

type listAllMyBucketsResult struct {
	XMLName xml.Name            `xml:"ListAllMyBucketsResult"`
	XMLNS   string              `xml:"xmlns,attr"`
	Owner   owner               `xml:"Owner"`
	Buckets []listBucketElement `xml:"Buckets>Bucket"`
}

type listBucketElement struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (s *Service) handleListBuckets(w http.ResponseWriter, r *http.Request) error {
	buckets, err := s.Engine.ListBuckets(r.Context())
	if err != nil {
		return err
	}
	result := listAllMyBucketsResult{
		XMLNS: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: owner{ID: "local", DisplayName: "local"},
	}
	for _, bucket := range buckets {
		result.Buckets = append(result.Buckets, listBucketElement{Name: bucket})
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(result)
}

func (s *Service) handleHeadBucket(w http.ResponseWriter, r *http.Request, bucket string) error {
	exists, err := s.Engine.HeadBucket(r.Context(), bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s3err.NoSuchBucket
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

type locationConstraintResult struct {
	XMLName            xml.Name `xml:"LocationConstraint"`
	XMLNS              string   `xml:"xmlns,attr"`
	LocationConstraint string   `xml:",chardata"`
}

func (s *Service) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) error {
	region := s.Engine.GetBucketLocation(s.Region)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(locationConstraintResult{
		XMLNS:              "http://s3.amazonaws.com/doc/2006-03-01/",
		LocationConstraint: region,
	})
}

type listBucketResult struct {
	XMLName               xml.Name             `xml:"ListBucketResult"`
	XMLNS                 string               `xml:"xmlns,attr"`
	Name                  string               `xml:"Name"`
	Prefix                string               `xml:"Prefix,omitempty"`
	Delimiter             string               `xml:"Delimiter,omitempty"`
	ContinuationToken     string               `xml:"ContinuationToken,omitempty"`
	KeyCount              int                  `xml:"KeyCount"`
	MaxKeys               int                  `xml:"MaxKeys"`
	IsTruncated           bool                 `xml:"IsTruncated"`
	NextContinuationToken string               `xml:"NextContinuationToken,omitempty"`
	Contents              []listObjectContents `xml:"Contents"`
	CommonPrefixes        []commonPrefixXML    `xml:"CommonPrefixes"`
}

type listObjectContents struct {
	Key          string `xml:"Key"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

type commonPrefixXML struct {
	Prefix string `xml:"Prefix"`
}

func (s *Service) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) error {
	q := r.URL.Query()
	prefix, err := getSingleQueryValue(q, "prefix")
	if err != nil {
		return err
	}
	delimiter, err := getSingleQueryValue(q, "delimiter")
	if err != nil {
		return err
	}
	continuationToken, err := getSingleQueryValue(q, "continuation-token")
	if err != nil {
		return err
	}
	maxKeys := 1000
	maxKeysValue, err := getSingleQueryValue(q, "max-keys")
	if err != nil {
		return err
	}
	if maxKeysValue != "" {
		parsed, parseErr := strconv.Atoi(maxKeysValue)
		if parseErr != nil || parsed < 0 {
			return s3err.InvalidArgument
		}
		maxKeys = parsed
	}

	res, err := s.Engine.ListObjectsV2(r.Context(), bucket, prefix, delimiter, continuationToken, maxKeys)
	if err != nil {
		return err
	}

	result := listBucketResult{
		XMLNS:                 "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:                  bucket,
		Prefix:                prefix,
		Delimiter:             delimiter,
		ContinuationToken:     continuationToken,
		KeyCount:              len(res.Objects) + len(res.CommonPrefixes),
		MaxKeys:               maxKeys,
		IsTruncated:           res.IsTruncated,
		NextContinuationToken: res.NextContinuation,
	}
	for _, obj := range res.Objects {
		result.Contents = append(result.Contents, listObjectContents{
			Key:          obj.Key,
			ETag:         quoteETag(obj.CID),
			Size:         obj.Size,
			LastModified: formatS3XMLTime(obj.UpdatedAt),
		})
	}
	for _, prefix := range res.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefixXML{Prefix: prefix})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(result)
}

func (s *Service) handlePutObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	body, cleanup, err := streamingBodyReader(r, r.Body)
	if err != nil {
		return err
	}
	defer cleanup()

	size := r.ContentLength
	if raw := strings.TrimSpace(r.Header.Get("X-Amz-Decoded-Content-Length")); raw != "" {
		if parsed, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil && parsed >= 0 {
			size = parsed
		}
	}
	if size < 0 {
		size = 0
	}
	put, err := s.Engine.PutObject(r.Context(), target.Bucket, target.Key, body, r.Header.Get("Content-Type"), size)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", quoteETag(put.CID))
	w.Header().Set("x-ipfs-path", "/ipfs/"+put.CID)
	w.Header().Set("x-ipfs-roots", put.CID)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) handleGetObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	clientIP := s.Engine.ClientIP(r)
	result, err := s.Engine.GetObject(r.Context(), target.Bucket, target.Key, clientIP)
	if err != nil {
		return err
	}

	if result.Mode == engine.ModeRedirect {
		w.Header().Set("x-ipfs-path", result.IPFSPath())
		w.Header().Set("x-ipfs-roots", result.IPFSRoots())
		http.Redirect(w, r, result.RedirectURL, http.StatusTemporaryRedirect)
		return nil
	}

	defer result.Body.Close()
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.Header().Set("ETag", result.ETag())
	w.Header().Set("x-ipfs-path", result.IPFSPath())
	w.Header().Set("x-ipfs-roots", result.IPFSRoots())
	w.WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(w, result.Body)
	if copyErr != nil && r.Context().Err() != nil {
		return nil // client aborted; upstream cat was cancelled via ctx
	}
	return nil
}

func (s *Service) handleHeadObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	clientIP := s.Engine.ClientIP(r)
	result, err := s.Engine.HeadObject(r.Context(), target.Bucket, target.Key, clientIP)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.Header().Set("ETag", result.ETag())
	w.Header().Set("x-ipfs-path", result.IPFSPath())
	w.Header().Set("x-ipfs-roots", result.IPFSRoots())
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Service) handleDeleteObject(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	if err := s.Engine.DeleteObject(r.Context(), target.Bucket, target.Key); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type deleteObjectsRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

type deleteObjectsResult struct {
	XMLName xml.Name             `xml:"DeleteResult"`
	XMLNS   string               `xml:"xmlns,attr"`
	Deleted []deletedObjectXML   `xml:"Deleted"`
	Errors  []deleteObjectErrXML `xml:"Error"`
}

type deletedObjectXML struct {
	Key string `xml:"Key"`
}

type deleteObjectErrXML struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func (s *Service) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) error {
	var req deleteObjectsRequest
	if r.Body != nil {
		if err := xml.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			return s3err.MalformedXML
		}
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}
	results := s.Engine.DeleteObjects(r.Context(), bucket, keys)

	out := deleteObjectsResult{XMLNS: "http://s3.amazonaws.com/doc/2006-03-01/"}
	for _, res := range results {
		if res.Deleted {
			out.Deleted = append(out.Deleted, deletedObjectXML{Key: res.Key})
			continue
		}
		apiErr := s3err.MapError(res.Err)
		out.Errors = append(out.Errors, deleteObjectErrXML{Key: res.Key, Code: apiErr.Code, Message: apiErr.Message})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(out)
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	XMLNS    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

func (s *Service) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	uploadID, err := s.Engine.CreateMultipartUpload(target.Bucket, target.Key, r.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(initiateMultipartUploadResult{
		XMLNS:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Bucket:   target.Bucket,
		Key:      target.Key,
		UploadID: uploadID,
	})
}

func (s *Service) handleUploadPart(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	q := r.URL.Query()
	uploadID, err := getSingleQueryValue(q, "uploadId")
	if err != nil {
		return err
	}
	partNumberValue, err := getSingleQueryValue(q, "partNumber")
	if err != nil {
		return err
	}
	partNumber, convErr := strconv.Atoi(partNumberValue)
	if convErr != nil {
		return s3err.InvalidArgument
	}
	decoded, cleanup, err := streamingBodyReader(r, r.Body)
	if err != nil {
		return err
	}
	defer cleanup()
	body, err := io.ReadAll(decoded)
	if err != nil {
		return err
	}
	etag, err := s.Engine.UploadPart(uploadID, partNumber, body)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
	return nil
}

type completeMultipartUploadRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	XMLNS   string   `xml:"xmlns,attr"`
	Bucket  string   `xml:"Bucket"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}

func (s *Service) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	uploadID, err := getSingleQueryValue(r.URL.Query(), "uploadId")
	if err != nil {
		return err
	}

	var req completeMultipartUploadRequest
	if r.Body != nil {
		if err := xml.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			return s3err.MalformedXML
		}
	}
	declared := make([]multipart.DeclaredPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		declared = append(declared, multipart.DeclaredPart{PartNumber: p.PartNumber, ETag: strings.Trim(p.ETag, `"`)})
	}

	put, err := s.Engine.CompleteMultipartUpload(r.Context(), target.Bucket, target.Key, uploadID, declared)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	return xml.NewEncoder(w).Encode(completeMultipartUploadResult{
		XMLNS:  "http://s3.amazonaws.com/doc/2006-03-01/",
		Bucket: target.Bucket,
		Key:    target.Key,
		ETag:   quoteETag(put.CID),
	})
}

func (s *Service) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, target s3.RequestTarget) error {
	uploadID, err := getSingleQueryValue(r.URL.Query(), "uploadId")
	if err != nil {
		return err
	}
	if err := s.Engine.AbortMultipartUpload(uploadID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func quoteETag(cid string) string {
	return `"` + cid + `"`
}

func formatS3XMLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// getSingleQueryValue rejects a repeated query parameter rather than
// silently picking one, matching the teacher's treatment of malformed
// request syntax.
func getSingleQueryValue(q url.Values, key string) (string, error) {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		return "", nil
	}
	first := values[0]
	for _, value := range values[1:] {
		if value != first {
			return "", s3err.InvalidArgument
		}
	}
	return first, nil
}
