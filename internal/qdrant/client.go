// Package qdrant is the similarity index for article embeddings. The embedding worker
// feeds it and the API queries it for articles similar to a given one.
package qdrant

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

const modelField = "model"

// Config holds the configuration for connecting to a Qdrant instance.
type Config struct {
	// Address is the host:port of the Qdrant gRPC endpoint (e.g. "localhost:6334").
	Address        string
	CollectionName string
	// VectorSize must match the embedding model's output dimension.
	VectorSize uint64
}

// Validate checks that all required Config fields are set.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("qdrant config: address is required")
	}
	if c.CollectionName == "" {
		return fmt.Errorf("qdrant config: collection name is required")
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant config: vector size must be > 0")
	}
	return nil
}

// ArticlePoint is one article's vector, tagged with the model that produced it.
type ArticlePoint struct {
	ArticleID uuid.UUID
	Model     string
	Vector    []float32
}

// Match is a single similarity hit.
type Match struct {
	ArticleID uuid.UUID
	// Score is the cosine similarity (higher is more similar).
	Score float32
}

// SimilarQuery describes a nearest-neighbor lookup.
type SimilarQuery struct {
	Vector []float32
	// Model restricts hits to vectors from the same model. Empty means any model.
	Model string
	// Exclude drops the article itself from the hits.
	Exclude uuid.UUID
	TopK    uint64
}

// Index is the similarity index surface used by the pipeline.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, point ArticlePoint) error
	Similar(ctx context.Context, q SimilarQuery) ([]Match, error)
	Close() error
}

var _ Index = (*Client)(nil)

// Client implements Index over the Qdrant gRPC API.
type Client struct {
	client         *pb.Client
	collectionName string
	vectorSize     uint64
}

// NewClient creates a Qdrant client for cfg. The connection uses insecure credentials,
// suitable for internal network deployments.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("qdrant: invalid address %q: %w", cfg.Address, err)
	}

	qdrantClient, err := pb.NewClient(&pb.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
		vectorSize:     cfg.VectorSize,
	}, nil
}

// EnsureCollection creates the collection with cosine distance and a keyword index on
// the model payload if it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	exists, err := c.client.CollectionExists(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = c.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: c.collectionName,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     c.vectorSize,
			Distance: pb.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", c.collectionName, err)
	}

	fieldType := pb.FieldType_FieldTypeKeyword
	wait := true
	_, err = c.client.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: c.collectionName,
		FieldName:      modelField,
		FieldType:      &fieldType,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %q payload: %w", modelField, err)
	}
	return nil
}

// Upsert writes the article's vector. The article id is the point id, so repeated
// upserts overwrite.
func (c *Client) Upsert(ctx context.Context, point ArticlePoint) error {
	if uint64(len(point.Vector)) != c.vectorSize {
		return fmt.Errorf("qdrant: vector for %s has %d dimensions, collection expects %d",
			point.ArticleID, len(point.Vector), c.vectorSize)
	}

	wait := true
	_, err := c.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pb.NewIDUUID(point.ArticleID.String()),
				Vectors: pb.NewVectors(point.Vector...),
				Payload: pb.NewValueMap(map[string]any{modelField: point.Model}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to upsert point %s: %w", point.ArticleID, err)
	}
	return nil
}

// Similar returns up to q.TopK articles ordered by descending similarity.
func (c *Client) Similar(ctx context.Context, q SimilarQuery) ([]Match, error) {
	limit := q.TopK
	scored, err := c.client.Query(ctx, &pb.QueryPoints{
		CollectionName: c.collectionName,
		Query:          pb.NewQueryDense(q.Vector),
		Filter:         similarFilter(q),
		Limit:          &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		id, ok, err := pointUUID(sp)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matches = append(matches, Match{ArticleID: id, Score: sp.Score})
	}
	return matches, nil
}

// Close releases the gRPC connection to Qdrant.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func similarFilter(q SimilarQuery) *pb.Filter {
	var f pb.Filter
	if q.Model != "" {
		f.Must = append(f.Must, pb.NewMatch(modelField, q.Model))
	}
	if q.Exclude != uuid.Nil {
		f.MustNot = append(f.MustNot, pb.NewHasID(pb.NewIDUUID(q.Exclude.String())))
	}
	if len(f.Must) == 0 && len(f.MustNot) == 0 {
		return nil
	}
	return &f
}

func pointUUID(sp *pb.ScoredPoint) (uuid.UUID, bool, error) {
	if sp.GetId() == nil {
		return uuid.Nil, false, nil
	}
	raw := sp.GetId().GetUuid()
	if raw == "" {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("qdrant: invalid UUID in search result %q: %w", raw, err)
	}
	return id, true, nil
}

// parseAddress splits "host:port" and validates the port.
func parseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if portStr == "" {
		return "", 0, fmt.Errorf("empty port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}
