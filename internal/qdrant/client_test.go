package qdrant

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testClient(retryAttempts int) (*Client, *logging.TestLogger) {
	tl := logging.NewTestLogger()
	c := &Client{
		cfg: &Config{
			CollectionName: "qloader",
			RetryAttempts:  retryAttempts,
			RequestTimeout: time.Second,
			BatchSize:      DefaultBatchSize,
		},
		logger:  tl.Logger,
		backoff: time.Millisecond,
	}
	return c, tl
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(&Config{CollectionName: "qloader"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&Config{}, logging.NewNop())
	require.Error(t, err)
	assert.Equal(t, errkind.Config, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "collection name is required")
}

func TestRetryTransientThenSuccess(t *testing.T) {
	c, tl := testClient(3)

	attempt := 0
	err := c.retry(context.Background(), "upsert", func() error {
		attempt++
		if attempt == 1 {
			return status.Error(codes.Unavailable, "service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	tl.AssertLogged(t, zapcore.DebugLevel, "retrying after transient qdrant error")
	tl.AssertLogged(t, zapcore.InfoLevel, "qdrant operation recovered")
}

func TestRetryExhausted(t *testing.T) {
	c, tl := testClient(2)

	attempt := 0
	err := c.retry(context.Background(), "query", func() error {
		attempt++
		return status.Error(codes.Unavailable, "service unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempt)

	tl.AssertLogged(t, zapcore.WarnLevel, "qdrant retries exhausted")
}

func TestRetryStopsOnTerminalError(t *testing.T) {
	c, tl := testClient(3)

	attempt := 0
	err := c.retry(context.Background(), "query", func() error {
		attempt++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempt)
	assert.Empty(t, tl.All())
}

func TestRetryHonorsContextCancel(t *testing.T) {
	c, _ := testClient(5)
	c.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.retry(ctx, "upsert", func() error {
			return status.Error(codes.Unavailable, "down")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: true},
		{name: "deadline exceeded", err: status.Error(codes.DeadlineExceeded, "slow"), want: true},
		{name: "aborted", err: status.Error(codes.Aborted, "aborted"), want: true},
		{name: "resource exhausted", err: status.Error(codes.ResourceExhausted, "throttled"), want: true},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), want: false},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad"), want: false},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "no"), want: false},
		{name: "already exists", err: status.Error(codes.AlreadyExists, "dup"), want: false},
		{name: "plain error", err: assert.AnError, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "query"))

	err := classify(status.Error(codes.Unavailable, "down"), "upsert")
	assert.Equal(t, errkind.Server, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "qdrant upsert")

	assert.Equal(t, errkind.Auth, errkind.KindOf(classify(status.Error(codes.Unauthenticated, "bad key"), "query")))
	assert.Equal(t, errkind.NotFound, errkind.KindOf(classify(status.Error(codes.NotFound, "missing"), "get collection info")))
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(classify(status.Error(codes.InvalidArgument, "bad"), "query")))
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(classify(context.Canceled, "query")))
}

func TestBatchPoints(t *testing.T) {
	points := make([]*Point, 5)
	for i := range points {
		points[i] = &Point{ID: "p"}
	}

	batches := batchPoints(points, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)

	assert.Len(t, batchPoints(points, 10), 1)
	assert.Empty(t, batchPoints(nil, 2))

	// A non-positive size falls back to the default instead of looping.
	assert.Len(t, batchPoints(points, 0), 1)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, clampLimit(0))
	assert.Equal(t, 1, clampLimit(-3))
	assert.Equal(t, 5, clampLimit(5))
	assert.Equal(t, MaxSearchLimit, clampLimit(MaxSearchLimit))
	assert.Equal(t, MaxSearchLimit, clampLimit(MaxSearchLimit+1))
}

func TestUpsertEmptyIsNoOp(t *testing.T) {
	c, _ := testClient(0)
	require.NoError(t, c.Upsert(context.Background(), nil))
}

func TestSearchRejectsEmptyVector(t *testing.T) {
	c, _ := testClient(0)
	_, err := c.Search(context.Background(), nil, 5, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
}

func TestDeleteByFilterRefusesEmptyFilter(t *testing.T) {
	c, _ := testClient(0)

	err := c.DeleteByFilter(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))

	err = c.DeleteByFilter(context.Background(), &Filter{})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
}

func TestScrollPayloadsZeroLimit(t *testing.T) {
	c, _ := testClient(0)
	got, err := c.ScrollPayloads(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}
