// Package vectorstore adapts Qdrant to the narrow collection/upsert/search
// surface memoryd's long-term memory (C10) needs. It is adapted from the
// teacher's internal/persistence/databases/qdrant_vector.go, generalized
// from a single fixed collection to the named-collection surface spec.md
// section 4.1 requires.
package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stores the caller-supplied id when it is not itself a UUID,
// since Qdrant point IDs must be UUIDs or unsigned integers.
const payloadIDField = "_original_id"

// Result is a single hit returned from Search.
type Result struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is the typed vector surface used by C10 (long-term memory).
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int, metric string) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, collection string, query []float32, k int, mustFilter map[string]string, minScore float64) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	Health(ctx context.Context) error
	Close() error
}

// QdrantStore is the production Store.
type QdrantStore struct {
	client *qdrant.Client
}

// New dials Qdrant's gRPC API (default port 6334). dsn may carry an
// api_key query parameter, as in the teacher: "host:6334?api_key=...".
func New(dsn string) (*QdrantStore, error) {
	host, port, useTLS, apiKey, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg := &qdrant.Config{Host: host, Port: port, UseTLS: useTLS, APIKey: apiKey}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantStore{client: client}, nil
}

func parseDSN(dsn string) (host string, port int, useTLS bool, apiKey string, err error) {
	if !strings.Contains(dsn, "://") {
		dsn = "qdrant://" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", 0, false, "", fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host = parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false, "", fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	useTLS = parsed.Scheme == "https" || parsed.Scheme == "qdrants"
	apiKey = parsed.Query().Get("api_key")
	return host, port, useTLS, apiKey, nil
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *QdrantStore) EnsureCollection(ctx context.Context, name string, dim int, metric string) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if dim <= 0 {
		return fmt.Errorf("qdrant requires dimensions > 0")
	}
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: distance,
		}),
	})
}

func (q *QdrantStore) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	uuidStr := pointUUID(id)
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	if uuidStr != id {
		merged[payloadIDField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	points := []*qdrant.PointStruct{
		{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(merged),
		},
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: points})
	return err
}

func (q *QdrantStore) Delete(ctx context.Context, collection, id string) error {
	uuidStr := pointUUID(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uuidStr)),
	})
	return err
}

func (q *QdrantStore) Search(ctx context.Context, collection string, query []float32, k int, mustFilter map[string]string, minScore float64) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(query))
	copy(vec, query)
	var filter *qdrant.Filter
	if len(mustFilter) > 0 {
		must := make([]*qdrant.Condition, 0, len(mustFilter))
		for k, v := range mustFilter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		filter = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	var scoreThreshold *float32
	if minScore > 0 {
		f := float32(minScore)
		scoreThreshold = &f
	}
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         filter,
		ScoreThreshold: scoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		payload := make(map[string]any, len(hit.Payload))
		originalID := ""
		for k, v := range hit.Payload {
			if k == payloadIDField {
				originalID = v.GetStringValue()
				continue
			}
			payload[k] = valueToAny(v)
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		out = append(out, Result{ID: id, Score: float64(hit.Score), Payload: payload})
	}
	return out, nil
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return v.GetStringValue()
	}
}

func (q *QdrantStore) Health(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return err
}

func (q *QdrantStore) Close() error {
	return q.client.Close()
}
