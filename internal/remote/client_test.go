package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client pointed at srv with retries enabled and
// sleeps replaced by a counter.
func newTestClient(srv *httptest.Server, maxRetries int) (*Client, *atomic.Int32) {
	c := NewClient(srv.URL, srv.Client(), maxRetries, "test-client", testLogger())

	var sleeps atomic.Int32

	c.sleepFunc = func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)

		return nil
	}

	return c, &sleeps
}

func TestCreateFileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/files", r.URL.Path)
		assert.Equal(t, "test-client", r.Header.Get("X-Client-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"file_id": "svc-file-1",
			"presigned_urls": [
				{"chunk_id": "c1", "part_number": 1, "presigned_url": "http://store/c1"},
				{"chunk_id": "c2", "part_number": 2, "presigned_url": "http://store/c2"}
			]
		}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	resp, err := c.CreateFile(context.Background(), &CreateFileRequest{
		FileName:   "report.pdf",
		FilePath:   "/docs/report.pdf",
		FileType:   "application/pdf",
		ChunkCount: 2,
		FileHash:   "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "svc-file-1", resp.FileID)
	require.Len(t, resp.PresignedURLs, 2)
	assert.Equal(t, 1, resp.PresignedURLs[0].PartNumber)
}

func TestCreateFileURLCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"file_id": "f1", "presigned_urls": [{"chunk_id": "c1", "part_number": 1, "presigned_url": "u"}]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	_, err := c.CreateFile(context.Background(), &CreateFileRequest{ChunkCount: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRetryOn503ThenSuccess(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		io.WriteString(w, `{"success": true}`)
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv, 3)

	err := c.ConfirmFile(context.Background(), "f1", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), sleeps.Load())
}

func TestNoRetryOn400(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "bad chunk count")
	}))
	defer srv.Close()

	c, sleeps := newTestClient(srv, 3)

	_, err := c.CreateFile(context.Background(), &CreateFileRequest{ChunkCount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(0), sleeps.Load())

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusBadRequest, svcErr.StatusCode)
	assert.Contains(t, svcErr.Message, "bad chunk count")
}

func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 2)

	err := c.ConfirmFile(context.Background(), "f1", []string{"c1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load()) // initial attempt + 2 retries
}

func TestRetryAfterHonored(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		io.WriteString(w, `{"success": true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), 3, "", testLogger())

	var slept time.Duration

	c.sleepFunc = func(ctx context.Context, d time.Duration) error {
		slept = d

		return nil
	}

	err := c.ConfirmFile(context.Background(), "f1", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, slept)
}

func TestConfirmReportsServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": false, "error_message": "chunk c2 missing"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	err := c.ConfirmFile(context.Background(), "f1", []string{"c1", "c2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "chunk c2 missing")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		io.WriteString(w, `{"status": "healthy"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)
	require.NoError(t, c.Health(context.Background()))
}

func TestHealthDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status": "degraded"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	err := c.Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPutChunk(t *testing.T) {
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc123"`)
	}))
	defer srv.Close()

	staging := filepath.Join(t.TempDir(), "f1_1")
	require.NoError(t, os.WriteFile(staging, []byte("chunk payload"), 0o600))

	c, _ := newTestClient(srv, 0)

	etag, err := c.PutChunk(context.Background(), srv.URL+"/bucket/f1_1", staging)
	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, etag)
	assert.Equal(t, []byte("chunk payload"), gotBody)
}

func TestPutChunkRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		w.Header().Set("ETag", `"e"`)
	}))
	defer srv.Close()

	staging := filepath.Join(t.TempDir(), "f1_1")
	require.NoError(t, os.WriteFile(staging, []byte("payload"), 0o600))

	c, sleeps := newTestClient(srv, 2)

	etag, err := c.PutChunk(context.Background(), srv.URL, staging)
	require.NoError(t, err)
	assert.Equal(t, `"e"`, etag)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), sleeps.Load())
}

func TestPutChunkRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "signature expired")
	}))
	defer srv.Close()

	staging := filepath.Join(t.TempDir(), "f1_1")
	require.NoError(t, os.WriteFile(staging, []byte("x"), 0o600))

	c, _ := newTestClient(srv, 0)

	_, err := c.PutChunk(context.Background(), srv.URL, staging)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestGetRangeSendsHeaderVerbatim(t *testing.T) {
	const payload = "0123456789"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, payload[2:6])
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	var buf []byte
	w := writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)

		return len(p), nil
	})

	n, err := c.GetRange(context.Background(), srv.URL, "bytes=2-5", w)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "2345", string(buf))
}

func TestGetRangeWholeObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		io.WriteString(w, "whole")
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, 0)

	var buf []byte
	w := writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)

		return len(p), nil
	})

	n, err := c.GetRange(context.Background(), srv.URL, "", w)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "whole", string(buf))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), 3, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	c.sleepFunc = func(ctx context.Context, d time.Duration) error {
		cancel()

		return ctx.Err()
	}

	err := c.ConfirmFile(ctx, "f1", []string{"c1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoffBounds(t *testing.T) {
	c := NewClient("http://x", nil, 3, "", testLogger())

	for attempt := 0; attempt < 12; attempt++ {
		b := c.calcBackoff(attempt)
		assert.Greater(t, b, time.Duration(0))
		assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	}
}
