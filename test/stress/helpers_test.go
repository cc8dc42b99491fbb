//go:build stress

package stress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
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
	stressAccessKey = "AKIAFULL"
	stressSecretKey = "secret-full"
)

// fakeKubo stands in for a Kubo node's RPC surface, same double used
// across the internal/api and integration stress suites.
type fakeKubo struct {
	mu      sync.Mutex
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
			f.mu.Lock()
			f.nextCID++
			cid := fmt.Sprintf("cid%d", f.nextCID)
			f.blobs[cid] = extractMultipartBody(body)
			f.mu.Unlock()
			fmt.Fprintf(w, `{"Hash":%q}`, cid)
		case strings.HasSuffix(r.URL.Path, "/cat"):
			f.mu.Lock()
			blob := f.blobs[r.URL.Query().Get("arg")]
			f.mu.Unlock()
			w.Write(blob)
		case strings.HasSuffix(r.URL.Path, "/pin/rm"), strings.HasSuffix(r.URL.Path, "/files/cp"), strings.HasSuffix(r.URL.Path, "/files/rm"):
			w.Write([]byte(`{}`))
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

func newStressServer(t *testing.T, maxBodyBytes int64) (*httptest.Server, func()) {
	t.Helper()

	kubo := newFakeKubo()
	kuboServer := httptest.NewServer(kubo.handler())

	store, err := metadata.Open(context.Background(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}

	cfg := config.Default()
	cfg.Mode = "proxy"
	cfg.Region = "us-west-1"
	cfg.Auth = config.AuthConfig{AccessKey: stressAccessKey, SecretKey: stressSecretKey}

	client := ipfs.New(kuboServer.URL, 0)
	uploads := multipart.New(200)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(cfg, client, store, uploads, logger)

	svc := &api.Service{
		Engine:       eng,
		Authz:        authz.New(cfg.Auth),
		Region:       cfg.Region,
		ServiceName:  "s3",
		ClockSkew:    15 * time.Minute,
		Now:          time.Now,
		ServiceHost:  "127.0.0.1",
		MaxBodyBytes: maxBodyBytes,
		PathHealth:   "/healthz",
		Logger:       logger,
	}
	server := httptest.NewServer(svc.Handler())
	cleanup := func() {
		server.Close()
		kuboServer.Close()
		store.Close()
	}
	return server, cleanup
}

func signedRequest(t *testing.T, now time.Time, method, rawURL string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	date := now.UTC().Format(sigv4.DateFormat)
	req.Header.Set("X-Amz-Date", date)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonical, err := sigv4.BuildCanonicalRequest(req, signedHeaders, "UNSIGNED-PAYLOAD")
	if err != nil {
		t.Fatalf("BuildCanonicalRequest: %v", err)
	}
	scope := sigv4.CredentialScope{
		AccessKey: stressAccessKey,
		Date:      now.UTC().Format("20060102"),
		Region:    "us-west-1",
		Service:   "s3",
		Terminal:  "aws4_request",
	}
	stringToSign := sigv4.BuildStringToSign(canonical, now.UTC(), scope)
	sig := sigv4.SignatureHex(sigv4.SigningKey(stressSecretKey, scope.Date, scope.Region, scope.Service), stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s/%s/%s/%s, SignedHeaders=%s, Signature=%s", sigv4.AuthHeaderPrefix, scope.AccessKey, scope.Date, scope.Region, scope.Service, scope.Terminal, strings.Join(signedHeaders, ";"), sig))
	return req
}

func doSigned(t *testing.T, client *http.Client, now time.Time, method, rawURL string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req := signedRequest(t, now, method, rawURL, body)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("client.Do %s %s: %v", method, rawURL, err)
	}
	defer res.Body.Close()
	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("ReadAll response %s %s: %v", method, rawURL, err)
	}
	return res, responseBody
}

func runWorkers(t *testing.T, workers int, seed int64, fn func(worker int, rng *rand.Rand) error) {
	t.Helper()
	start := make(chan struct{})
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(id)))
			<-start
			errCh <- fn(id, rng)
		}(worker)
	}
	close(start)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func parseStressWorkloadDuration(t *testing.T) time.Duration {
	t.Helper()
	raw := strings.TrimSpace(os.Getenv("STRESS_WORKLOAD_DURATION"))
	if raw == "" {
		return 0
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		t.Fatalf("invalid STRESS_WORKLOAD_DURATION %q: %v", raw, err)
	}
	if duration <= 0 {
		t.Fatalf("invalid STRESS_WORKLOAD_DURATION %q: must be > 0", raw)
	}
	return duration
}
