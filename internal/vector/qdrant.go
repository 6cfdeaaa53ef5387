package vector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"memvault/internal/config"
	"memvault/internal/errors"
)

// Hybrid schema constants. The dense vector is approximate HNSW; the
// sparse vector is server-side lexical scoring over the stored text.
const (
	denseVectorName  = "dense"
	sparseVectorName = "bm25"
	sparseModel      = "qdrant/bm25"

	hnswM           = 16
	hnswEfConstruct = 100

	// prefetchMultiplier sizes each RRF prefetch lane relative to the
	// requested limit.
	prefetchMultiplier = 3
)

// payloadIndexes are the fields indexed for filtering, per collection.
var payloadIndexes = map[Kind][]struct {
	field string
	typ   qdrant.FieldType
}{
	KindDocuments: {
		{"doc_type", qdrant.FieldType_FieldTypeKeyword},
		{"file_path", qdrant.FieldType_FieldTypeKeyword},
		{"project_id", qdrant.FieldType_FieldTypeKeyword},
	},
	KindMemories: {
		{"type", qdrant.FieldType_FieldTypeKeyword},
		{"tags", qdrant.FieldType_FieldTypeKeyword},
		{"project_id", qdrant.FieldType_FieldTypeKeyword},
		{"invalidated_by", qdrant.FieldType_FieldTypeFloat},
		{"created_at", qdrant.FieldType_FieldTypeFloat},
		{"valid_from", qdrant.FieldType_FieldTypeFloat},
		{"valid_until", qdrant.FieldType_FieldTypeFloat},
	},
	KindGlobalMemories: {
		{"type", qdrant.FieldType_FieldTypeKeyword},
		{"tags", qdrant.FieldType_FieldTypeKeyword},
		{"invalidated_by", qdrant.FieldType_FieldTypeFloat},
		{"created_at", qdrant.FieldType_FieldTypeFloat},
		{"valid_from", qdrant.FieldType_FieldTypeFloat},
		{"valid_until", qdrant.FieldType_FieldTypeFloat},
	},
}

// Qdrant maintains the derived collections in an external engine.
type Qdrant struct {
	client          *qdrant.Client
	prefix          string
	searchEf        uint64
	useQuantization bool
	logger          *slog.Logger
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects to the engine at cfg.URL (scheme decides TLS, port
// defaults to 6334, the gRPC port).
func NewQdrant(cfg config.ExternalVectorConfig, logger *slog.Logger) (*Qdrant, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, errors.Config(fmt.Sprintf("invalid vector engine url %q", cfg.URL), err)
	}
	port := 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, errors.Config(fmt.Sprintf("invalid vector engine port %q", p), err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, errors.Config("connect vector engine", err)
	}

	ef := uint64(cfg.SearchEf)
	if ef == 0 {
		ef = 128
	}
	return &Qdrant{
		client:          client,
		prefix:          cfg.CollectionPrefix,
		searchEf:        ef,
		useQuantization: cfg.UseQuantization,
		logger:          logger,
	}, nil
}

func (q *Qdrant) collection(kind Kind) string {
	return q.prefix + string(kind)
}

// EnsureCollections creates missing collections with the hybrid schema
// and recreates collections carrying the legacy single-vector layout.
func (q *Qdrant) EnsureCollections(ctx context.Context, dim int) error {
	for _, kind := range Kinds() {
		name := q.collection(kind)

		exists, err := q.client.CollectionExists(ctx, name)
		if err != nil {
			return errors.Transient("check collection "+name, err)
		}

		if exists {
			hybrid, err := q.HasHybridSchema(ctx, kind)
			if err != nil {
				return err
			}
			if hybrid {
				continue
			}
			// Legacy single-vector layout: recreate. Data is derived from
			// the relational store and comes back via backfill.
			q.logger.Warn("recreating collection with hybrid schema",
				"collection", name, "hint", "run backfill to repopulate")
			if err := q.client.DeleteCollection(ctx, name); err != nil {
				return errors.Transient("drop legacy collection "+name, err)
			}
		}

		create := &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				denseVectorName: {
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
					HnswConfig: &qdrant.HnswConfigDiff{
						M:           qdrant.PtrOf(uint64(hnswM)),
						EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruct)),
					},
				},
			}),
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				sparseVectorName: {
					Modifier: qdrant.Modifier_Idf.Enum(),
				},
			}),
		}
		if q.useQuantization {
			create.QuantizationConfig = qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
				Type:      qdrant.QuantizationType_Int8,
				AlwaysRam: qdrant.PtrOf(true),
			})
		}
		if err := q.client.CreateCollection(ctx, create); err != nil {
			return errors.Transient("create collection "+name, err)
		}

		for _, idx := range payloadIndexes[kind] {
			_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      idx.field,
				FieldType:      idx.typ.Enum(),
			})
			if err != nil {
				return errors.Transient("index payload field "+idx.field, err)
			}
		}
	}
	return nil
}

// HasHybridSchema checks for the named dense and sparse vectors.
func (q *Qdrant) HasHybridSchema(ctx context.Context, kind Kind) (bool, error) {
	info, err := q.client.GetCollectionInfo(ctx, q.collection(kind))
	if err != nil {
		return false, errors.Transient("collection info", err)
	}
	params := info.GetConfig().GetParams()

	named := params.GetVectorsConfig().GetParamsMap().GetMap()
	if _, ok := named[denseVectorName]; !ok {
		return false, nil
	}
	sparse := params.GetSparseVectorsConfig().GetMap()
	_, ok := sparse[sparseVectorName]
	return ok, nil
}

func (q *Qdrant) toPointStruct(p Point) *qdrant.PointStruct {
	vectors := map[string]*qdrant.Vector{
		denseVectorName: qdrant.NewVectorDense(p.Dense),
	}
	if p.Text != "" {
		vectors[sparseVectorName] = qdrant.NewVectorDocument(&qdrant.Document{
			Text:  p.Text,
			Model: sparseModel,
		})
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(p.ID)),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(p.Payload),
	}
}

// Upsert writes one point.
func (q *Qdrant) Upsert(ctx context.Context, kind Kind, p Point) error {
	return q.UpsertBatch(ctx, kind, []Point{p})
}

// UpsertBatch writes points in fixed-size requests.
func (q *Qdrant) UpsertBatch(ctx context.Context, kind Kind, points []Point) error {
	name := q.collection(kind)
	for start := 0; start < len(points); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, q.toPointStruct(p))
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         batch,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return errors.Transient("upsert points", err)
		}
	}
	return nil
}

// SearchDense runs a dense-only query against the named dense vector.
func (q *Qdrant) SearchDense(ctx context.Context, kind Kind, dense []float32, k int, f *Filter) ([]Hit, error) {
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection(kind),
		Query:          qdrant.NewQueryDense(dense),
		Using:          qdrant.PtrOf(denseVectorName),
		Filter:         toQdrantFilter(f),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Params: &qdrant.SearchParams{
			HnswEf: qdrant.PtrOf(q.searchEf),
		},
	})
	if err != nil {
		return nil, errors.Transient("dense query", err)
	}
	return toHits(points), nil
}

// HybridSearch fuses a sparse lane and a dense lane with server-side RRF.
// Per-lane scores are lost; only the fused rank score comes back.
func (q *Qdrant) HybridSearch(ctx context.Context, kind Kind, query string, dense []float32, k int, f *Filter) ([]Hit, error) {
	qf := toQdrantFilter(f)
	laneLimit := prefetchLaneLimit(k)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection(kind),
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQueryNearest(qdrant.NewVectorInputDocument(&qdrant.Document{
					Text:  query,
					Model: sparseModel,
				})),
				Using:  qdrant.PtrOf(sparseVectorName),
				Limit:  qdrant.PtrOf(laneLimit),
				Filter: qf,
			},
			{
				Query:  qdrant.NewQueryDense(dense),
				Using:  qdrant.PtrOf(denseVectorName),
				Limit:  qdrant.PtrOf(laneLimit),
				Filter: qf,
				Params: &qdrant.SearchParams{
					HnswEf: qdrant.PtrOf(q.searchEf),
				},
			},
		},
		Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:       qdrant.PtrOf(uint64(k)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errors.Transient("hybrid query", err)
	}
	return toHits(points), nil
}

// prefetchLaneLimit sizes one RRF prefetch lane for a k-result query.
func prefetchLaneLimit(k int) uint64 {
	if k < 1 {
		k = 1
	}
	return uint64(prefetchMultiplier * k)
}

// Delete removes points by id.
func (q *Qdrant) Delete(ctx context.Context, kind Kind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection(kind),
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Transient("delete points", err)
	}
	return nil
}

// Close shuts the gRPC channel.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func toHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			ID:      int64(p.GetId().GetNum()),
			Score:   float64(p.GetScore()),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return hits
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	default:
		return nil
	}
}

// toQdrantFilter serializes the portable filter DSL into engine
// conditions. MustAny groups nest as must-level sub-filters whose own
// clauses are should.
func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	out := &qdrant.Filter{}
	for _, c := range f.Must {
		out.Must = append(out.Must, toCondition(c))
	}
	for _, c := range f.Should {
		out.Should = append(out.Should, toCondition(c))
	}
	for _, group := range f.MustAny {
		nested := &qdrant.Filter{}
		for _, c := range group {
			nested.Should = append(nested.Should, toCondition(c))
		}
		out.Must = append(out.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{Filter: nested},
		})
	}
	return out
}

func toCondition(c Condition) *qdrant.Condition {
	switch c.Op {
	case OpIsNull:
		// is_empty matches missing keys as well as explicit nulls; point
		// payloads omit nullable fields entirely, so is_null would never
		// match them.
		return qdrant.NewIsEmpty(c.Field)
	case OpRange:
		return qdrant.NewRange(c.Field, &qdrant.Range{
			Lt: c.LT, Lte: c.LTE, Gt: c.GT, Gte: c.GTE,
		})
	default:
		switch v := c.Value.(type) {
		case string:
			return qdrant.NewMatch(c.Field, v)
		case int64:
			return qdrant.NewMatchInt(c.Field, v)
		case int:
			return qdrant.NewMatchInt(c.Field, int64(v))
		case bool:
			return qdrant.NewMatchBool(c.Field, v)
		default:
			return qdrant.NewMatch(c.Field, fmt.Sprint(v))
		}
	}
}

// ValidityTimestamp renders a nullable time for payload storage: nil
// stays nil, and the caller omits the key so is_empty filters match.
func ValidityTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return float64(t.UTC().Unix())
}
