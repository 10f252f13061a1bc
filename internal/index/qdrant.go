package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/vortex-go/internal/rag"
)

// textPayloadKey is the payload field holding a fragment's text.
const textPayloadKey = "text"

// tieSlack is the number of candidates requested beyond topK so that equal
// scores at the cut can be ordered by id before trimming.
const tieSlack = 8

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// Dim is the dimensionality of the embeddings stored in this collection.
	Dim int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements rag.Index on a Qdrant collection using cosine
// distance. Fragment ids are sequential numeric point ids; the next id is
// recovered from the collection's point count on open, so the collection
// must only be written through this type.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg QdrantConfig

	// mu serialises id allocation and upserts.
	mu sync.Mutex

	// next is the id assigned to the next added fragment.
	next int
}

// NewQdrantIndex connects to Qdrant, ensures the target collection exists
// (creating it if necessary) and returns a ready-to-use index.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name is required: %w", rag.ErrInvalidArgument)
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("qdrant: dimension must be positive, got %d: %w", cfg.Dim, rag.ErrInvalidArgument)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	count, err := client.Count(ctx, &qdrant.CountPoints{
		CollectionName: cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("qdrant: counting points: %w", err)
	}
	idx.next = int(count)

	return idx, nil
}

// Client exposes the underlying gRPC client for readiness probes.
func (q *QdrantIndex) Client() *qdrant.Client { return q.client }

// ensureCollection creates the Qdrant collection if it does not already
// exist. An existing collection must have the configured vector size.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant: failed to read collection %q: %w", q.cfg.Collection, err)
		}
		return checkCollectionDim(q.cfg.Collection, info, q.cfg.Dim)
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.cfg.Dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}

	return nil
}

// checkCollectionDim fails with rag.ErrDimensionMismatch when the collection's
// single unnamed vector does not have dim components.
func checkCollectionDim(name string, info *qdrant.CollectionInfo, dim int) error {
	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != uint64(dim) {
		return fmt.Errorf("qdrant: collection %q holds %d-component vectors, embedder produces %d: %w",
			name, size, dim, rag.ErrDimensionMismatch)
	}
	return nil
}

// Add stores one fragment and returns its id.
func (q *QdrantIndex) Add(ctx context.Context, text string, vec []float32) (rag.FragmentID, error) {
	ids, err := q.AddBatch(ctx, []rag.Entry{{Text: text, Vector: vec}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddBatch validates every entry, then upserts them in one request and waits
// for the write to be applied.
func (q *QdrantIndex) AddBatch(ctx context.Context, entries []rag.Entry) ([]rag.FragmentID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	norm := make([][]float32, len(entries))
	for i, e := range entries {
		v, err := normalized(e.Vector, q.cfg.Dim)
		if err != nil {
			return nil, fmt.Errorf("qdrant: entry %d: %w", i, err)
		}
		norm[i] = v
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]rag.FragmentID, len(entries))
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for i, e := range entries {
		id := q.next + i
		ids[i] = rag.FragmentID(id)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(id)),
			Vectors: qdrant.NewVectors(norm[i]...),
			Payload: qdrant.NewValueMap(map[string]any{textPayloadKey: e.Text}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	q.next += len(entries)

	return ids, nil
}

// Search performs a cosine similarity search and returns the top-k results
// ordered by descending score, ties broken by lower id.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, topK int) (rag.RetrievalResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("qdrant: topK must be positive, got %d: %w", topK, rag.ErrInvalidArgument)
	}
	query, err := normalized(vec, q.cfg.Dim)
	if err != nil {
		return nil, err
	}

	return searchWithTies(topK, func(limit int) (rag.RetrievalResult, error) {
		results, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.cfg.Collection,
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(limit)),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: search failed: %w", err)
		}
		hits := make(rag.RetrievalResult, 0, len(results))
		for _, r := range results {
			hits = append(hits, rag.Hit{
				ID:    rag.FragmentID(r.GetId().GetNum()),
				Score: min(1, max(-1, float64(r.GetScore()))),
			})
		}
		return hits, nil
	})
}

// searchWithTies runs query with a limit above topK, orders the hits and
// trims them to topK. While the last fetched hit still ties the score at the
// cut, a lower id with that score may lie past the limit, so the limit is
// doubled and the query repeated.
func searchWithTies(topK int, query func(limit int) (rag.RetrievalResult, error)) (rag.RetrievalResult, error) {
	limit := topK + tieSlack
	for {
		hits, err := query(limit)
		if err != nil {
			return nil, err
		}
		sortHits(hits)
		if len(hits) <= topK {
			return hits, nil
		}
		if len(hits) < limit || hits[len(hits)-1].Score < hits[topK-1].Score {
			return hits[:topK], nil
		}
		limit *= 2
	}
}

// Text fetches the payload text of fragment id.
func (q *QdrantIndex) Text(ctx context.Context, id rag.FragmentID) (string, error) {
	if id < 0 {
		return "", fmt.Errorf("qdrant: fragment %d: %w", id, rag.ErrNotFound)
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.cfg.Collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return "", fmt.Errorf("qdrant: get failed: %w", err)
	}
	if len(points) == 0 {
		return "", fmt.Errorf("qdrant: fragment %d: %w", id, rag.ErrNotFound)
	}
	v, ok := points[0].GetPayload()[textPayloadKey]
	if !ok {
		return "", fmt.Errorf("qdrant: fragment %d has no text payload: %w", id, rag.ErrCorruptIndex)
	}
	return v.GetStringValue(), nil
}

// Len returns the number of fragments added through this index.
func (q *QdrantIndex) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Dim returns the collection's vector dimension.
func (q *QdrantIndex) Dim() int { return q.cfg.Dim }

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
