// Package objectstoretest provides an in-memory S3 endpoint for tests.
package objectstoretest

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/objectstore"
)

// Object is a stored object.
type Object struct {
	Body     []byte
	Header   http.Header
	Modified time.Time
}

// Server understands the path-style subset of the S3 API the ingester uses:
// bucket HEAD/PUT and object PUT/GET/HEAD/DELETE.
type Server struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string]Object

	srv *httptest.Server
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{buckets: map[string]bool{}, objects: map[string]Object{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// Config returns a client config for bucket on this server.
func (s *Server) Config(bucket string) objectstore.Config {
	return objectstore.Config{
		Endpoint:  strings.TrimPrefix(s.srv.URL, "http://"),
		AccessKey: "test",
		SecretKey: "testsecret",
		Bucket:    bucket,
	}
}

// Object returns the stored object at bucket/key.
func (s *Server) Object(bucket, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[bucket+"/"+key]
	return o, ok
}

// Keys lists the stored object keys in bucket.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if b, key, _ := strings.Cut(k, "/"); b == bucket {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !s.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPut:
			s.buckets[bucket] = true
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}

	id := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		body, err := readBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h := http.Header{}
		for k, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") || k == "Content-Type" || k == "Content-Encoding" {
				h[k] = v
			}
		}
		s.objects[id] = Object{Body: body, Header: h, Modified: time.Now().UTC()}
		w.Header().Set("ETag", etag(body))
	case http.MethodGet, http.MethodHead:
		o, ok := s.objects[id]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`, key, bucket)
			}
			return
		}
		for k, v := range o.Header {
			w.Header()[k] = v
		}
		w.Header().Set("ETag", etag(o.Body))
		w.Header().Set("Last-Modified", o.Modified.Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(o.Body)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(o.Body)
		}
	case http.MethodDelete:
		delete(s.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// readBody returns the object payload, decoding aws-chunked uploads that
// minio-go sends over plain HTTP.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func etag(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
