package remote_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/signalnine/orruns/internal/remote"
	"github.com/signalnine/orruns/internal/result"
	"github.com/signalnine/orruns/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    bool
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func newFake() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func TestPublish(t *testing.T) {
	base := t.TempDir()
	tr, err := tracker.New("sam", tracker.WithBaseDir(base))
	require.NoError(t, err)
	require.NoError(t, tr.LogParams(map[string]any{"s": 3}))
	require.NoError(t, tr.LogMetric("fitness", 1.5, 0))
	require.NoError(t, tr.Finish(nil))
	mergeDir, err := result.CreateMergeDir(base, "sam")
	require.NoError(t, err)
	require.NoError(t, result.WriteJSON(filepath.Join(mergeDir, result.MergedFile), map[string]any{"times": 1}))

	fake := newFake()
	p := remote.NewPublisher(fake, "bucket", "/team/results/", nil)
	keys, err := p.Publish(context.Background(), base, "sam")
	require.NoError(t, err)

	sort.Strings(keys)
	runPrefix := "team/results/sam/" + tr.RunID() + "/"
	assert.Contains(t, keys, runPrefix+result.RunMetaFile)
	assert.Contains(t, keys, runPrefix+result.ParamsFile)
	assert.Contains(t, keys, runPrefix+result.MetricsFile)
	assert.Contains(t, keys, "team/results/sam/_merged/"+filepath.Base(mergeDir)+"/"+result.MergedFile)
	for _, k := range keys {
		assert.False(t, strings.Contains(k, "/"+result.LatestLink+"/"), "symlink followed: %s", k)
	}
	assert.Equal(t, "application/json", fake.types["bucket/"+runPrefix+result.ParamsFile])
	assert.Equal(t, "application/x-ndjson", fake.types["bucket/"+runPrefix+result.MetricsFile])
	assert.Contains(t, string(fake.objects["bucket/"+runPrefix+result.ParamsFile]), `"s": 3`)
}

func TestPublishErrors(t *testing.T) {
	base := t.TempDir()
	p := remote.NewPublisher(newFake(), "bucket", "", nil)
	_, err := p.Publish(context.Background(), base, "missing")
	assert.Error(t, err)

	tr, err := tracker.New("exp", tracker.WithBaseDir(base))
	require.NoError(t, err)
	require.NoError(t, tr.Finish(nil))

	failing := newFake()
	failing.fail = true
	_, err = remote.NewPublisher(failing, "bucket", "", nil).Publish(context.Background(), base, "exp")
	assert.ErrorContains(t, err, "access denied")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Publish(ctx, base, "exp")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKey(t *testing.T) {
	p := remote.NewPublisher(newFake(), "b", "", nil)
	assert.Equal(t, "exp/run/data/x.csv", p.Key("exp", filepath.Join("run", "data", "x.csv")))
}
