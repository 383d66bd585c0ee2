package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/async"
	"github.com/ChuLiYu/gnb-sched/internal/controller"
	"github.com/ChuLiYu/gnb-sched/internal/procedure"
	"github.com/ChuLiYu/gnb-sched/internal/registry"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/joeycumines/go-catrate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = slog.Default()

// Controller is the part of the controller the admin service drives.
type Controller interface {
	HandleProcedure(req types.ProcedureRequest) error
	GetStatus() map[string]interface{}
	Procedure(id types.ProcedureID) (types.ProcedureRecord, bool)
}

// Server implements the admin gRPC service.
type Server struct {
	controller Controller
	grpc       *grpc.Server
	health     *health.Server
	limiter    *catrate.Limiter
}

// submitKey is the rate limiting category of a submission
type submitKey struct {
	entity types.EntityKind
	index  uint64
}

// NewServer creates a gRPC server exposing the admin and health services.
func NewServer(ctrl Controller, opts ...grpc.ServerOption) *Server {
	s := &Server{
		controller: ctrl,
		grpc:       grpc.NewServer(opts...),
		health:     health.NewServer(),
	}
	RegisterAdminServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// LimitSubmissions caps the procedures accepted per entity within each
// window of rates. It must be called before Serve.
func (s *Server) LimitSubmissions(rates map[time.Duration]int) {
	if len(rates) == 0 {
		s.limiter = nil
		return
	}
	s.limiter = catrate.NewLimiter(rates)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("Admin server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the service as not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// GetStatus returns the controller status.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.controller.GetStatus())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// SubmitProcedure decodes a procedure request and hands it to the controller.
func (s *Server) SubmitProcedure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if s.limiter != nil {
		if next, ok := s.limiter.Allow(submitKey{entity: req.Entity, index: req.Index}); !ok {
			return nil, status.Errorf(codes.ResourceExhausted, "%s %d: submission rate exceeded, retry in %s",
				req.Entity, req.Index, time.Until(next).Round(time.Millisecond))
		}
	}

	if err := s.controller.HandleProcedure(req); err != nil {
		log.Debug("Procedure rejected", "procedure", req.String(), "error", err)
		return nil, status.Error(errorCode(err), err.Error())
	}

	st := types.StatusPending
	if rec, ok := s.controller.Procedure(req.ID); ok {
		st = rec.Status
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":     string(req.ID),
		"status": string(st),
	})
}

// GetProcedure returns the record of one procedure.
func (s *Server) GetProcedure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "missing procedure id")
	}
	rec, ok := s.controller.Procedure(types.ProcedureID(id))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "procedure %s not found", id)
	}

	fields, err := requestToMap(rec.Request)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	fields["status"] = string(rec.Status)
	fields["latency_ms"] = float64(rec.Latency().Microseconds()) / 1000
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	return structpb.NewStruct(fields)
}

// errorCode maps controller errors to gRPC status codes
func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, controller.ErrInvalidProcedure),
		errors.Is(err, registry.ErrEntityOutOfRange):
		return codes.InvalidArgument
	case errors.Is(err, procedure.ErrDuplicateProcedure),
		errors.Is(err, registry.ErrEntityExists):
		return codes.AlreadyExists
	case errors.Is(err, registry.ErrUnknownEntity):
		return codes.NotFound
	case errors.Is(err, async.ErrQueueFull),
		errors.Is(err, registry.ErrRegistryFull):
		return codes.ResourceExhausted
	case errors.Is(err, controller.ErrNotStarted):
		return codes.FailedPrecondition
	case errors.Is(err, controller.ErrStopped),
		errors.Is(err, async.ErrSchedulerStopped):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// ============================================================================
// Struct 轉換
// ============================================================================

func requestToMap(req types.ProcedureRequest) (map[string]interface{}, error) {
	if req.Index > 1<<53 {
		return nil, fmt.Errorf("index %d not representable", req.Index)
	}
	m := map[string]interface{}{
		"id":     string(req.ID),
		"entity": string(req.Entity),
		"index":  float64(req.Index),
		"kind":   string(req.Kind),
	}
	if req.Entity == types.EntityUE {
		m["du"] = float64(req.DU)
	}
	return m, nil
}

func requestToStruct(req types.ProcedureRequest) (*structpb.Struct, error) {
	m, err := requestToMap(req)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func requestFromStruct(in *structpb.Struct) (types.ProcedureRequest, error) {
	f := in.GetFields()

	index, err := wholeNumber(f, "index", 1<<53)
	if err != nil {
		return types.ProcedureRequest{}, err
	}
	du, err := wholeNumber(f, "du", math.MaxUint32)
	if err != nil {
		return types.ProcedureRequest{}, err
	}

	req := types.ProcedureRequest{
		ID:     types.ProcedureID(f["id"].GetStringValue()),
		Entity: types.EntityKind(f["entity"].GetStringValue()),
		Index:  index,
		DU:     uint32(du),
		Kind:   types.ProcedureKind(f["kind"].GetStringValue()),
	}
	if req.ID == "" {
		return req, errors.New("missing procedure id")
	}
	return req, nil
}

// wholeNumber reads an optional non-negative integer field
func wholeNumber(f map[string]*structpb.Value, key string, limit float64) (uint64, error) {
	v, ok := f[key]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%s: not a number", key)
	}
	x := n.NumberValue
	if x < 0 || x > limit || x != math.Trunc(x) {
		return 0, fmt.Errorf("%s: %v is not a valid index", key, x)
	}
	return uint64(x), nil
}
