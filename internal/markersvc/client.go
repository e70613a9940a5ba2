package markersvc

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/model"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed MarkerService client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Merge sends entities to the server. An empty layer routes by kind.
func (c *Client) Merge(ctx context.Context, layer string, entities []model.Entity, replace bool, opts ...grpc.CallOption) (MergeResponse, error) {
	var resp MergeResponse
	err := c.call(ctx, methodMerge, MergeRequest{Layer: layer, Records: records(entities), Replace: replace}, &resp, opts...)
	return resp, err
}

// Recompute asks for the delta for the given displayed set.
func (c *Client) Recompute(ctx context.Context, req RecomputeRequest, opts ...grpc.CallOption) (RecomputeResponse, error) {
	var resp RecomputeResponse
	err := c.call(ctx, methodRecompute, req, &resp, opts...)
	return resp, err
}

// Counts returns the entity count per layer name.
func (c *Client) Counts(ctx context.Context, opts ...grpc.CallOption) (map[string]int, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodCounts, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	var resp CountsResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// Favorite performs one favourites operation and returns the resulting list.
func (c *Client) Favorite(ctx context.Context, op string, rec source.Record, opts ...grpc.CallOption) ([]source.Record, error) {
	var resp FavoriteResponse
	err := c.call(ctx, methodFavorite, FavoriteRequest{Op: op, Record: rec}, &resp, opts...)
	return resp.Favorites, err
}

// Locate resolves ip, or the caller's address when empty.
func (c *Client) Locate(ctx context.Context, ip string, opts ...grpc.CallOption) (LocateResponse, error) {
	var resp LocateResponse
	err := c.call(ctx, methodLocate, LocateRequest{IP: ip}, &resp, opts...)
	return resp, err
}

func (c *Client) call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	if err := fromStruct(out, resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}
