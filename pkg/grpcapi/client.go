package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/netfw/pkg/api"
	"github.com/psaab/netfw/pkg/config"
)

// Client calls the Firewall service.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

// Dial connects to a netfw daemon. An empty apiKey sends no credentials.
func Dial(target, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	return &Client{conn: conn, apiKey: apiKey}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes method with req encoded as a Struct and decodes the reply
// into resp when resp is non-nil.
func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = toStruct(req); err != nil {
			return err
		}
	}
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.call(ctx, "Status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetRules(ctx context.Context) (*api.RulesRequest, error) {
	var resp api.RulesRequest
	if err := c.call(ctx, "GetRules", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SetRules(ctx context.Context, req *api.RulesRequest) error {
	return c.call(ctx, "SetRules", req, nil)
}

func (c *Client) CheckRules(ctx context.Context, req *api.RulesRequest) (*api.CompareResponse, error) {
	var resp api.CompareResponse
	if err := c.call(ctx, "CheckRules", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Rollback(ctx context.Context, n int) error {
	return c.call(ctx, "Rollback", api.RollbackRequest{N: n}, nil)
}

func (c *Client) SetDefaultAction(ctx context.Context, req api.DefaultActionRequest) error {
	return c.call(ctx, "SetDefaultAction", req, nil)
}

func (c *Client) SetCurrentUser(ctx context.Context, userID uint32) error {
	return c.call(ctx, "SetCurrentUser", api.CurrentUserRequest{UserID: userID}, nil)
}

func (c *Client) Clear(ctx context.Context, kind string) error {
	return c.call(ctx, "Clear", api.ClearRequest{Kind: kind}, nil)
}

func (c *Client) SetDomainRules(ctx context.Context, specs []config.DomainRuleSpec) error {
	return c.call(ctx, "SetDomainRules", api.DomainRulesRequest{DomainRules: specs}, nil)
}

// ObserveDNS reports a DNS response in wire format.
func (c *Client) ObserveDNS(ctx context.Context, userID, appUID uint32, msg []byte) (int, error) {
	var resp api.DNSAnswerResponse
	if err := c.call(ctx, "ObserveDNS", api.DNSAnswerRequest{UserID: userID, AppUID: appUID, Msg: msg}, &resp); err != nil {
		return 0, err
	}
	return resp.Cached, nil
}

func (c *Client) QueryAllowed(ctx context.Context, name string, userID, appUID uint32) (bool, error) {
	var resp api.DNSQueryResponse
	if err := c.call(ctx, "QueryAllowed", api.DNSQueryRequest{Name: name, UserID: userID, AppUID: appUID}, &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

func (c *Client) Classify(ctx context.Context, req api.ClassifyRequest) (*api.ClassifyResponse, error) {
	var resp api.ClassifyResponse
	if err := c.call(ctx, "Classify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListEvents(ctx context.Context, req EventsRequest) ([]api.EventEntry, error) {
	var resp EventsResponse
	if err := c.call(ctx, "ListEvents", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}
