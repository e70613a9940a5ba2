package markersvc

import (
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/model"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Viewport is the wire form of model.BBox.
type Viewport struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

func viewportOf(b model.BBox) Viewport {
	return Viewport{MinLat: b.MinLat, MinLon: b.MinLon, MaxLat: b.MaxLat, MaxLon: b.MaxLon}
}

// BBox converts the viewport.
func (v Viewport) BBox() model.BBox {
	return model.BBox{MinLat: v.MinLat, MinLon: v.MinLon, MaxLat: v.MaxLat, MaxLon: v.MaxLon}
}

// MergeRequest adds records to the stores. With Layer empty, each record is
// routed by kind. Replace overwrites existing entities instead of keeping the
// first-seen version.
type MergeRequest struct {
	Layer   string          `json:"layer,omitempty"`
	Records []source.Record `json:"records"`
	Replace bool            `json:"replace,omitempty"`
}

type MergeResponse struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

// RecomputeRequest asks for the delta that moves Displayed to the sample of
// Layer inside Viewport. A nil Cap uses the server's display cap.
type RecomputeRequest struct {
	Layer       string          `json:"layer"`
	Viewport    Viewport        `json:"viewport"`
	Cap         *int            `json:"cap,omitempty"`
	Displayed   []source.Record `json:"displayed"`
	SkipUpdates bool            `json:"skipUpdates,omitempty"`
	// Session scopes stale tagging: only a newer recompute in the same
	// session marks this one stale. Without a session nothing does.
	Session string `json:"session,omitempty"`
}

type RecomputeResponse struct {
	Generation uint64          `json:"generation"`
	Stale      bool            `json:"stale"`
	Target     int             `json:"target"`
	Add        []source.Record `json:"add"`
	Remove     []source.Record `json:"remove"`
	Update     []source.Record `json:"update"`
	Foreign    []source.Record `json:"foreign"`
}

type CountsResponse struct {
	Counts map[string]int `json:"counts"`
}

// Favorite operations.
const (
	FavoriteList   = "list"
	FavoriteAdd    = "add"
	FavoriteRemove = "remove"
)

type FavoriteRequest struct {
	Op     string        `json:"op"`
	Record source.Record `json:"record"`
}

type FavoriteResponse struct {
	Favorites []source.Record `json:"favorites"`
}

// LocateRequest resolves IP, or the caller's address when empty.
type LocateRequest struct {
	IP string `json:"ip,omitempty"`
}

type LocateResponse struct {
	Viewport Viewport `json:"viewport"`
	City     string   `json:"city,omitempty"`
	Country  string   `json:"country,omitempty"`
}

func records(entities []model.Entity) []source.Record {
	out := make([]source.Record, 0, len(entities))
	for _, e := range entities {
		out = append(out, source.RecordOf(e))
	}
	return out
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	if st == nil {
		st = &structpb.Struct{}
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrInvalidRequest, v, err)
	}
	return nil
}
