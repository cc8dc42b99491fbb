package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bltavares/aricanduva/internal/api"
	"github.com/bltavares/aricanduva/internal/authz"
	"github.com/bltavares/aricanduva/internal/config"
	"github.com/bltavares/aricanduva/internal/engine"
	"github.com/bltavares/aricanduva/internal/ipfs"
	"github.com/bltavares/aricanduva/internal/metadata"
	"github.com/bltavares/aricanduva/internal/multipart"
	"github.com/bltavares/aricanduva/internal/sigv4"
)

const (
	compatAccessKey = "AKIAFULL"
	compatSecretKey = "secret-full"
)

// fakeKubo stands in for a Kubo node's RPC surface across the compat
// and integration suites, the same way internal/api's own test double
// does.
type fakeKubo struct {
	blobs   map[string][]byte
	nextCID int
}

func newFakeKubo() *fakeKubo {
	return &fakeKubo{blobs: map[string][]byte{}}
}

func (f *fakeKubo) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/add"):
			body, _ := io.ReadAll(r.Body)
			f.nextCID++
			cid := fmt.Sprintf("cid%d", f.nextCID)
			f.blobs[cid] = extractMultipartBody(body)
			fmt.Fprintf(w, `{"Hash":%q}`, cid)
		case strings.HasSuffix(r.URL.Path, "/cat"):
			w.Write(f.blobs[r.URL.Query().Get("arg")])
		case strings.HasSuffix(r.URL.Path, "/pin/rm"), strings.HasSuffix(r.URL.Path, "/files/cp"), strings.HasSuffix(r.URL.Path, "/files/rm"):
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/version"):
			fmt.Fprint(w, `{"Version":"0.30.0"}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func extractMultipartBody(raw []byte) []byte {
	s := string(raw)
	idx := strings.Index(s, "\r\n\r\n")
	if idx < 0 {
		return raw
	}
	rest := s[idx+4:]
	end := strings.LastIndex(rest, "\r\n--")
	if end < 0 {
		return []byte(rest)
	}
	return []byte(rest[:end])
}

// CompatEnv wires a full Service against an in-memory metadata store
// and a fake Kubo node, exposed over a real httptest.Server so that
// SDK/CLI clients (rclone, aws-sdk-go-v2) can talk HTTP to it.
type CompatEnv struct {
	t       *testing.T
	handler http.Handler
	now     time.Time
	server  *httptest.Server
	kubo    *fakeKubo
}

func NewCompatEnv(t *testing.T) *CompatEnv {
	t.Helper()
	now := time.Now().UTC()

	kubo := newFakeKubo()
	kuboServer := httptest.NewServer(kubo.handler())
	t.Cleanup(kuboServer.Close)

	store, err := metadata.Open(context.Background(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Mode = "proxy"
	cfg.Region = "us-west-1"
	cfg.Auth = config.AuthConfig{AccessKey: compatAccessKey, SecretKey: compatSecretKey}

	client := ipfs.New(kuboServer.URL, 0)
	uploads := multipart.New(100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(cfg, client, store, uploads, logger)

	svc := &api.Service{
		Engine:      eng,
		Authz:       authz.New(cfg.Auth),
		Region:      cfg.Region,
		ServiceName: "s3",
		ClockSkew:   24 * time.Hour,
		PathHealth:  "/healthz",
		Logger:      logger,
		Now:         time.Now,
	}

	h := svc.Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &CompatEnv{t: t, handler: h, now: now, server: srv, kubo: kubo}
}

func (e *CompatEnv) BaseURL() string { return e.server.URL }

func (e *CompatEnv) AccessKey() string { return compatAccessKey }
func (e *CompatEnv) SecretKey() string { return compatSecretKey }
func (e *CompatEnv) Region() string    { return "us-west-1" }

func (e *CompatEnv) MustReq(t *testing.T, method, path string, body io.Reader, want int) *httptest.ResponseRecorder {
	t.Helper()
	req := e.newSignedRequest(method, path, body, compatAccessKey, compatSecretKey, "")
	res := httptest.NewRecorder()
	e.handler.ServeHTTP(res, req)
	if res.Code != want {
		t.Fatalf("unexpected status=%d want=%d path=%s body=%s", res.Code, want, path, res.Body.String())
	}
	return res
}

func (e *CompatEnv) newSignedRequest(method, path string, body io.Reader, accessKey, secret, host string) *http.Request {
	e.t.Helper()
	req := httptest.NewRequest(method, "http://storage.local"+path, body)
	if host != "" {
		req.Host = host
	}
	payloadHash := "UNSIGNED-PAYLOAD"
	req.Header.Set("X-Amz-Date", e.now.UTC().Format(sigv4.DateFormat))
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}

	canonical, err := sigv4.BuildCanonicalRequest(req, signedHeaders, payloadHash)
	if err != nil {
		e.t.Fatalf("BuildCanonicalRequest: %v", err)
	}
	scope := sigv4.CredentialScope{AccessKey: accessKey, Date: e.now.UTC().Format("20060102"), Region: "us-west-1", Service: "s3", Terminal: "aws4_request"}
	stringToSign := sigv4.BuildStringToSign(canonical, e.now.UTC(), scope)
	sig := sigv4.SignatureHex(sigv4.SigningKey(secret, scope.Date, scope.Region, scope.Service), stringToSign)
	req.Header.Set("Authorization", sigv4.AuthHeaderPrefix+" Credential="+scope.AccessKey+"/"+scope.Date+"/"+scope.Region+"/"+scope.Service+"/"+scope.Terminal+", SignedHeaders="+strings.Join(signedHeaders, ";")+", Signature="+sig)
	return req
}

func (e *CompatEnv) Upload(bucket, key, value string) {
	e.MustReq(e.t, http.MethodPut, "/"+bucket+"/"+key, strings.NewReader(value), http.StatusOK)
}
