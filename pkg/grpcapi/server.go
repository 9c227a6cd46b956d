// Package grpcapi implements the gRPC API server for netfw.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/netfw/pkg/api"
	"github.com/psaab/netfw/pkg/firewall"
	"github.com/psaab/netfw/pkg/logging"
	"github.com/psaab/netfw/pkg/rule"
)

// Config configures the gRPC server.
type Config struct {
	Firewall *firewall.Service
	Auth     *api.AuthConfig // nil = no authentication
}

// Server implements FirewallServer.
type Server struct {
	fw        *firewall.Service
	auth      *api.AuthConfig
	startTime time.Time
	addr      string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		fw:        cfg.Firewall,
		auth:      cfg.Auth,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	var opts []grpc.ServerOption
	if s.auth != nil {
		opts = append(opts, grpc.UnaryInterceptor(s.authInterceptor))
	}
	srv := grpc.NewServer(opts...)
	RegisterFirewallServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

// authInterceptor accepts "authorization: Bearer <key>" or "x-api-key".
func (s *Server) authInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok && s.auth.Valid(token) {
			return handler(ctx, req)
		}
	}
	for _, v := range md.Get("x-api-key") {
		if s.auth.Valid(v) {
			return handler(ctx, req)
		}
	}
	return nil, status.Error(codes.Unauthenticated, "authentication required")
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// applyError converts a rule set install error. Sink failures happen
// after the rules were accepted and committed.
func applyError(err error) error {
	if errors.Is(err, firewall.ErrPublish) {
		return status.Errorf(codes.Internal, "%v", err)
	}
	return status.Errorf(codes.InvalidArgument, "%v", err)
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func (s *Server) snapshot() api.StatusResponse {
	return api.StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
		Status: s.fw.Status(),
	}
}

// --- Rule set RPCs ---

func (s *Server) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.snapshot())
}

func (s *Server) GetRules(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	store := s.fw.Store()
	if store == nil {
		return nil, status.Error(codes.FailedPrecondition, "rule store not available")
	}
	return reply(store.Active())
}

func (s *Server) SetRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.RulesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.fw.SubmitRuleSet(ctx, &req.RuleSet, req.Comment, !req.Partial); err != nil {
		return nil, applyError(err)
	}
	return reply(s.snapshot())
}

func (s *Server) CheckRules(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.RulesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	store := s.fw.Store()
	if store == nil {
		return nil, status.Error(codes.FailedPrecondition, "rule store not available")
	}
	compiled, err := store.CommitCheck(&req.RuleSet)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	diff, err := store.ShowCompare(&req.RuleSet)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply(api.CompareResponse{
		Rules:       len(compiled.Rules),
		DomainRules: len(compiled.DomainRules),
		Diff:        diff,
	})
}

func (s *Server) Rollback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := api.RollbackRequest{N: 1}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.fw.Rollback(ctx, req.N); err != nil {
		return nil, applyError(err)
	}
	return reply(s.snapshot())
}

// --- Policy RPCs ---

func (s *Server) SetDefaultAction(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.DefaultActionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	ingress, err := rule.ParseAction(req.Ingress)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "ingress: %v", err)
	}
	egress, err := rule.ParseAction(req.Egress)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "egress: %v", err)
	}
	if err := s.fw.SetDefaultAction(req.UserID, ingress, egress); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return reply(s.snapshot())
}

func (s *Server) SetCurrentUser(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.CurrentUserRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.fw.SetCurrentUser(req.UserID); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply(s.snapshot())
}

func (s *Server) Clear(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := api.ClearRequest{Kind: "all"}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	kind, err := rule.ParseKind(req.Kind)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err := s.fw.ClearRules(ctx, kind); err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return reply(s.snapshot())
}

func (s *Server) SetDomainRules(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.DomainRulesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := api.SetDomainRules(s.fw, req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return reply(s.snapshot())
}

// --- DNS RPCs ---

func (s *Server) ObserveDNS(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.DNSAnswerRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	resp, err := api.ObserveDNS(s.fw, req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return reply(resp)
}

func (s *Server) QueryAllowed(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.DNSQueryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return reply(api.DNSQueryResponse{Allowed: s.fw.QueryAllowed(req.Name, req.UserID, req.AppUID)})
}

// --- Classification and events ---

func (s *Server) Classify(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.ClassifyRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	resp, err := api.Classify(s.fw, req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return reply(resp)
}

// EventsRequest filters ListEvents.
type EventsRequest struct {
	Limit     int    `json:"limit,omitempty"`
	Type      string `json:"type,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// EventsResponse lists events, newest first.
type EventsResponse struct {
	Events []api.EventEntry `json:"events"`
}

func (s *Server) ListEvents(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := EventsRequest{Limit: 100}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	eb := s.fw.Events()
	if eb == nil {
		return nil, status.Error(codes.FailedPrecondition, "event buffer not available")
	}
	recs := eb.LatestFiltered(req.Limit, logging.EventFilter{Type: req.Type, Direction: req.Direction})
	resp := EventsResponse{Events: make([]api.EventEntry, 0, len(recs))}
	for _, rec := range recs {
		resp.Events = append(resp.Events, api.EventEntryFromRecord(rec))
	}
	return reply(resp)
}
