// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecstore

// Translation between the neutral vecstore types and the Qdrant gRPC
// surface. Everything here is pure conversion; resilience lives in
// client.go.

import (
	"github.com/qdrant/go-client/qdrant"
)

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	var must []*qdrant.Condition
	for field, value := range f.Match {
		switch v := value.(type) {
		case string:
			must = append(must, qdrant.NewMatch(field, v))
		case int:
			must = append(must, qdrant.NewMatchInt(field, int64(v)))
		case int64:
			must = append(must, qdrant.NewMatchInt(field, v))
		case bool:
			must = append(must, qdrant.NewMatchBool(field, v))
		}
	}
	for field, rc := range f.Range {
		must = append(must, qdrant.NewRange(field, &qdrant.Range{
			Gte: rc.Gte,
			Lte: rc.Lte,
			Gt:  rc.Gt,
			Lt:  rc.Lt,
		}))
	}
	return &qdrant.Filter{Must: must}
}

func toQdrantPoint(p Point) *qdrant.PointStruct {
	vectors := make(map[string]*qdrant.Vector, len(p.Dense)+len(p.Sparse))
	for name, vec := range p.Dense {
		vectors[name] = qdrant.NewVector(vec...)
	}
	for name, sv := range p.Sparse {
		vectors[name] = qdrant.NewVectorSparse(sv.Indices, sv.Values)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(p.ID),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(p.Payload),
	}
}

func toQdrantVectorsConfig(specs []VectorSpec) *qdrant.VectorsConfig {
	params := make(map[string]*qdrant.VectorParams, len(specs))
	for _, s := range specs {
		p := &qdrant.VectorParams{
			Size:     s.Dim,
			Distance: qdrant.Distance_Cosine,
		}
		if s.Distance == DistanceDot {
			p.Distance = qdrant.Distance_Dot
		}
		if s.OnDisk {
			p.OnDisk = qdrant.PtrOf(true)
		}
		if s.QuantizeInt8 {
			p.QuantizationConfig = qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
				Type:      qdrant.QuantizationType_Int8,
				Quantile:  qdrant.PtrOf(float32(0.99)),
				AlwaysRam: qdrant.PtrOf(true),
			})
		}
		params[s.Name] = p
	}
	return qdrant.NewVectorsConfigMap(params)
}

func toQdrantSparseConfig(specs []SparseSpec) *qdrant.SparseVectorConfig {
	if len(specs) == 0 {
		return nil
	}
	params := make(map[string]*qdrant.SparseVectorParams, len(specs))
	for _, s := range specs {
		params[s.Name] = &qdrant.SparseVectorParams{
			Modifier: qdrant.Modifier_Idf.Enum(),
		}
	}
	return qdrant.NewSparseVectorsConfig(params)
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = fromQdrantValue(v)
	}
	return out
}

func fromQdrantValue(v *qdrant.Value) any {
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
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, fromQdrantValue(item))
		}
		return out
	case *qdrant.Value_StructValue:
		return fromQdrantPayload(kind.StructValue.GetFields())
	default:
		return nil
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	return id.GetUuid()
}

func fromRetrieved(pts []*qdrant.RetrievedPoint) []Point {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		out = append(out, Point{
			ID:      pointIDString(p.GetId()),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	return out
}

func fromScored(pts []*qdrant.ScoredPoint) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(pts))
	for _, p := range pts {
		out = append(out, ScoredPoint{
			ID:      pointIDString(p.GetId()),
			Score:   p.GetScore(),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	return out
}

func toQdrantIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewID(id)
	}
	return out
}
