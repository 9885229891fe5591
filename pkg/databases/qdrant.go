package databases

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantProvider talks to a qdrant server over gRPC.
type QdrantProvider struct {
	client *qdrant.Client
}

func NewQdrantProvider(host string, port int) (*QdrantProvider, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantProvider{client: client}, nil
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dimension uint64) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	// Concurrent creators race; losing is fine.
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	if err := p.ensureCollection(ctx, collection, uint64(len(vector))); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]SearchResult, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *QdrantProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]SearchResult, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if len(filter) > 0 {
		searchRequest.Filter = buildFilter(filter)
	}

	searchResult, err := p.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertResults(searchResult.Result), nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection string, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

func buildFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, qdrant.NewMatch(key, fmt.Sprint(value)))
	}
	return &qdrant.Filter{Must: conditions}
}

func convertResults(points []*qdrant.ScoredPoint) []SearchResult {
	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any, len(point.Payload))
		for key, value := range point.Payload {
			switch v := value.Kind.(type) {
			case *qdrant.Value_StringValue:
				metadata[key] = v.StringValue
			case *qdrant.Value_IntegerValue:
				metadata[key] = v.IntegerValue
			case *qdrant.Value_DoubleValue:
				metadata[key] = v.DoubleValue
			case *qdrant.Value_BoolValue:
				metadata[key] = v.BoolValue
			default:
				metadata[key] = value
			}
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, SearchResult{
			ID:       id,
			Content:  content,
			Score:    point.Score,
			Metadata: metadata,
		})
	}
	return results
}
