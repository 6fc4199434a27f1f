package repository_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"cpjudge/internal/common/storage"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/repository"
	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"

	"github.com/minio/minio-go/v7"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memObjects) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memObjects) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey"}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, minio.ErrorResponse{Code: "NoSuchKey"}
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ContentType: m.types[bucket+"/"+key]}, nil
}

func (m *memObjects) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://objects.local/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func TestTranscriptRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	objects := newMemObjects()
	store, err := repository.NewTranscriptStore(objects, "judge", "")
	testutil.AssertNoError(t, err)

	in := &model.Transcript{
		Stdout:      string(bytes.Repeat([]byte("Running test 1...\r"), 200)) + "Accepted (0.05 s)\n",
		Stderr:      "",
		ExitSuccess: true,
		Backend:     "kattis",
	}
	testutil.AssertNoError(t, store.Save(ctx, 42, in))
	testutil.AssertEqual(t, store.Key(42), "transcripts/42.json.zst")

	raw := objects.objects["judge/transcripts/42.json.zst"]
	testutil.AssertTrue(t, len(raw) > 0 && len(raw) < len(in.Stdout), "transcript should be stored compressed")
	testutil.AssertEqual(t, objects.types["judge/transcripts/42.json.zst"], "application/zstd")

	out, err := store.Load(ctx, 42)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, *out, *in)

	url, err := store.PresignURL(ctx, 42, time.Minute)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, url, "https://objects.local/judge/transcripts/42.json.zst?ttl=1m0s")
}

func TestTranscriptMissing(t *testing.T) {
	t.Parallel()
	store, err := repository.NewTranscriptStore(newMemObjects(), "judge", "runs")
	testutil.AssertNoError(t, err)

	_, err = store.Load(context.Background(), 7)
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.NotFound)
	_, err = store.PresignURL(context.Background(), 7, time.Minute)
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.NotFound)
}

func TestTranscriptSaveNilIsNoop(t *testing.T) {
	t.Parallel()
	objects := newMemObjects()
	store, err := repository.NewTranscriptStore(objects, "judge", "")
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, store.Save(context.Background(), 1, nil))
	testutil.AssertEqual(t, len(objects.objects), 0)
}

func TestNewTranscriptStoreRequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := repository.NewTranscriptStore(newMemObjects(), "", "")
	testutil.AssertEqual(t, appErr.GetCode(err), appErr.InvalidParams)
}
