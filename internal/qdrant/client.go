package qdrant

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// scrollPageSize bounds one scroll request regardless of the caller's
// overall limit.
const scrollPageSize = 256

// Client talks to one Qdrant collection over gRPC.
type Client struct {
	api    *qdrant.Client
	cfg    *Config
	logger *logging.Logger

	// backoff is the first retry delay. Tests shorten it.
	backoff time.Duration
}

// New connects to Qdrant and verifies the server responds before
// returning. Messages are capped at cfg.MaxMessageSize in both
// directions.
func New(cfg *Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.Config, fmt.Errorf("qdrant config: %w", err))
	}

	grpcOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
	}
	if !cfg.UseTLS {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	api, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: grpcOpts,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, fmt.Errorf("create qdrant client: %w", err))
	}

	c := &Client{
		api:     api,
		cfg:     cfg,
		logger:  logger.Named("qdrant"),
		backoff: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		_ = api.Close()
		return nil, err
	}
	c.logger.Debug(ctx, "connected to qdrant",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.CollectionName))
	return c, nil
}

// Collection returns the collection name all operations target.
func (c *Client) Collection() string {
	return c.cfg.CollectionName
}

// Health checks that the server answers on the gRPC API.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.api.HealthCheck(ctx); err != nil {
		return classify(err, "health check")
	}
	return nil
}

// Close tears down the gRPC connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// EnsureCollection creates the collection when missing and verifies the
// vector size when present. force drops and recreates it.
func (c *Client) EnsureCollection(ctx context.Context, vectorSize uint64, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	exists, err := c.CollectionExists(ctx)
	if err != nil {
		return err
	}
	if exists && force {
		err := c.retry(ctx, "delete collection", func() error {
			return c.api.DeleteCollection(ctx, c.cfg.CollectionName)
		})
		if err != nil {
			return classify(err, "delete collection")
		}
		c.logger.Info(ctx, "dropped collection for recreation",
			zap.String("collection", c.cfg.CollectionName))
		exists = false
	}

	if !exists {
		err := c.retry(ctx, "create collection", func() error {
			return c.api.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: c.cfg.CollectionName,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     vectorSize,
					Distance: c.cfg.Distance,
				}),
			})
		})
		if err != nil {
			return classify(err, "create collection")
		}
		c.logger.Info(ctx, "created collection",
			zap.String("collection", c.cfg.CollectionName),
			zap.Uint64("vector_size", vectorSize))
		return nil
	}

	info, err := c.getCollectionInfo(ctx)
	if err != nil {
		return classify(err, "get collection info")
	}
	got := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if got != vectorSize {
		return errkind.New(errkind.Config,
			"collection %q has vector size %d but embeddings produce %d; recreate the collection or change the model",
			c.cfg.CollectionName, got, vectorSize)
	}
	return nil
}

// CollectionExists reports whether the configured collection exists.
func (c *Client) CollectionExists(ctx context.Context) (bool, error) {
	_, err := c.getCollectionInfo(ctx)
	if err == nil {
		return true, nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return false, nil
	}
	return false, classify(err, "get collection info")
}

func (c *Client) getCollectionInfo(ctx context.Context) (*qdrant.CollectionInfo, error) {
	var info *qdrant.CollectionInfo
	err := c.retry(ctx, "get collection info", func() error {
		var ierr error
		info, ierr = c.api.GetCollectionInfo(ctx, c.cfg.CollectionName)
		return ierr
	})
	return info, err
}

// Upsert writes points in batches of cfg.BatchSize, waiting for each
// batch to be applied. Point IDs are deterministic, so re-upserting the
// same chunk overwrites it.
func (c *Client) Upsert(ctx context.Context, points []*Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, batch := range batchPoints(points, c.cfg.BatchSize) {
		protoPoints := make([]*qdrant.PointStruct, len(batch))
		for i, p := range batch {
			protoPoints[i] = pointToProto(p)
		}
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err := c.retry(opCtx, "upsert", func() error {
			_, uerr := c.api.Upsert(opCtx, &qdrant.UpsertPoints{
				CollectionName: c.cfg.CollectionName,
				Points:         protoPoints,
				Wait:           qdrant.PtrOf(true),
			})
			return uerr
		})
		cancel()
		if err != nil {
			return classify(err, "upsert")
		}
	}
	return nil
}

// batchPoints splits points into runs of at most size.
func batchPoints(points []*Point, size int) [][]*Point {
	if size < 1 {
		size = DefaultBatchSize
	}
	var batches [][]*Point
	for start := 0; start < len(points); start += size {
		batches = append(batches, points[start:min(start+size, len(points))])
	}
	return batches
}

// Search runs a vector query and returns up to limit hits with their
// payloads. limit is clamped to [1, MaxSearchLimit].
func (c *Client) Search(ctx context.Context, vector []float32, limit int, filter *Filter) ([]*ScoredPoint, error) {
	if len(vector) == 0 {
		return nil, errkind.New(errkind.InvalidRequest, "search vector is empty")
	}
	limit = clampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var hits []*qdrant.ScoredPoint
	err := c.retry(ctx, "query", func() error {
		var qerr error
		hits, qerr = c.api.Query(ctx, &qdrant.QueryPoints{
			CollectionName: c.cfg.CollectionName,
			Query:          qdrant.NewQuery(vector...),
			Filter:         filterToProto(filter),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return qerr
	})
	if err != nil {
		return nil, classify(err, "query")
	}

	out := make([]*ScoredPoint, len(hits))
	for i, h := range hits {
		out[i] = &ScoredPoint{
			ID:      pointIDString(h.GetId()),
			Score:   h.GetScore(),
			Payload: payloadFromProto(h.GetPayload()),
		}
	}
	return out, nil
}

// clampLimit bounds a requested result count to [1, MaxSearchLimit].
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

// DeleteByDocument removes every point belonging to one document in one
// project.
func (c *Client) DeleteByDocument(ctx context.Context, projectID, documentID string) error {
	return c.DeleteByFilter(ctx, &Filter{Must: []Condition{
		Eq(document.PayloadProjectID, projectID),
		Eq(document.PayloadDocumentID, documentID),
	}})
}

// DeleteByFilter removes every point matching filter, waiting for the
// delete to be applied. An empty filter is refused: dropping the whole
// collection goes through EnsureCollection with force instead.
func (c *Client) DeleteByFilter(ctx context.Context, filter *Filter) error {
	f := filterToProto(filter)
	if f == nil {
		return errkind.New(errkind.InvalidRequest, "refusing to delete with an empty filter")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	err := c.retry(ctx, "delete", func() error {
		_, derr := c.api.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: c.cfg.CollectionName,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: f},
			},
			Wait: qdrant.PtrOf(true),
		})
		return derr
	})
	if err != nil {
		return classify(err, "delete")
	}
	return nil
}

// ScrollPayloads pages through points matching filter and returns up to
// limit payloads. Vectors are never fetched. Each page requests one
// extra point whose ID becomes the next page's offset.
func (c *Client) ScrollPayloads(ctx context.Context, filter *Filter, limit int) ([]map[string]any, error) {
	if limit < 1 {
		return nil, nil
	}
	f := filterToProto(filter)

	var out []map[string]any
	var offset *qdrant.PointId
	for len(out) < limit {
		page := min(scrollPageSize, limit-len(out))

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		var points []*qdrant.RetrievedPoint
		err := c.retry(opCtx, "scroll", func() error {
			var serr error
			points, serr = c.api.Scroll(opCtx, &qdrant.ScrollPoints{
				CollectionName: c.cfg.CollectionName,
				Filter:         f,
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(page + 1)),
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(false),
			})
			return serr
		})
		cancel()
		if err != nil {
			return nil, classify(err, "scroll")
		}

		take := min(len(points), page)
		for _, p := range points[:take] {
			out = append(out, payloadFromProto(p.GetPayload()))
		}
		if len(points) <= page {
			break
		}
		offset = points[page].GetId()
	}
	return out, nil
}

// Count returns the exact number of points matching filter. A nil
// filter counts the whole collection.
func (c *Client) Count(ctx context.Context, filter *Filter) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var n uint64
	err := c.retry(ctx, "count", func() error {
		var cerr error
		n, cerr = c.api.Count(ctx, &qdrant.CountPoints{
			CollectionName: c.cfg.CollectionName,
			Filter:         filterToProto(filter),
			Exact:          qdrant.PtrOf(true),
		})
		return cerr
	})
	if err != nil {
		return 0, classify(err, "count")
	}
	return n, nil
}

// CountByDocument returns how many points one document currently holds
// in one project.
func (c *Client) CountByDocument(ctx context.Context, projectID, documentID string) (uint64, error) {
	return c.Count(ctx, &Filter{Must: []Condition{
		Eq(document.PayloadProjectID, projectID),
		Eq(document.PayloadDocumentID, documentID),
	}})
}

// retry runs fn, retrying transient gRPC failures with exponential
// backoff until the attempt budget or ctx runs out.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	backoff := c.backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug(ctx, "retrying after transient qdrant error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "qdrant operation recovered",
					zap.String("operation", op),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	c.logger.Warn(ctx, "qdrant retries exhausted",
		zap.String("operation", op),
		zap.Int("attempts", c.cfg.RetryAttempts+1),
		zap.Error(lastErr))
	return lastErr
}

// isTransient reports whether err carries a gRPC status code worth
// retrying.
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return errkind.FromGRPCCode(st.Code()) == errkind.Transient
}

// classify wraps a failed operation with its errkind. Transient errors
// only reach here after the retry budget, so they escalate to Server.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := errkind.FromGRPCError(err)
	switch kind {
	case errkind.Cancelled:
		return errkind.Wrap(errkind.Cancelled, err)
	case errkind.Transient, errkind.Unknown:
		kind = errkind.Server
	}
	return errkind.Wrap(kind, fmt.Errorf("qdrant %s: %w", op, err))
}
