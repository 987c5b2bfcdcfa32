package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type recordingPutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (p *recordingPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	p.inputs = append(p.inputs, in)
	p.bodies = append(p.bodies, body)
	return &s3.PutObjectOutput{}, p.err
}

func TestPutWritesKeyedObject(t *testing.T) {
	putter := &recordingPutter{}
	archive := &S3Archive{bucket: "raw", client: putter}

	require.NoError(t, archive.Put(context.Background(), "runner@example.com", "4242", []byte(`{"id":4242}`)))

	require.Len(t, putter.inputs, 1)
	require.Equal(t, "raw", aws.ToString(putter.inputs[0].Bucket))
	require.Equal(t, "activities/runner@example.com/4242.json", aws.ToString(putter.inputs[0].Key))
	require.Equal(t, "application/json", aws.ToString(putter.inputs[0].ContentType))
	require.Equal(t, `{"id":4242}`, string(putter.bodies[0]))
}

func TestPutWrapsErrors(t *testing.T) {
	archive := &S3Archive{bucket: "raw", client: &recordingPutter{err: errors.New("access denied")}}

	err := archive.Put(context.Background(), "runner@example.com", "7", nil)
	require.ErrorContains(t, err, "archive activity 7: access denied")
}

func TestKeyEscapesSegments(t *testing.T) {
	require.Equal(t, "activities/a%2Fb/1.json", Key("a/b", "1"))
}

func TestNewTalksToCustomEndpoint(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	archive, err := New(context.Background(), Config{
		Bucket:          "raw",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	require.NoError(t, archive.Put(context.Background(), "runner@example.com", "1", []byte(`{}`)))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"PUT /raw/activities/runner@example.com/1.json"}, paths)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
