// ============================================================================
// gnb-sched Admin Service - gRPC 服務描述
// ============================================================================
//
// Package: internal/server
// 文件: service.go
// 功能: 管理介面的 gRPC 服務描述、handler 與 client
//
// 訊息格式:
//   請求與回應皆使用 well-known types（emptypb.Empty、structpb.Struct），
//   服務描述以 grpc.ServiceDesc 直接宣告。
//
// 方法:
//   /gnbsched.admin.v1.Admin/GetStatus        Empty  → Struct（系統狀態）
//   /gnbsched.admin.v1.Admin/SubmitProcedure  Struct → Struct（程序 id 與狀態）
//   /gnbsched.admin.v1.Admin/GetProcedure     Struct → Struct（程序紀錄）
//
// ============================================================================

package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 管理服務的完整名稱，也用於 health check
const ServiceName = "gnbsched.admin.v1.Admin"

const (
	methodGetStatus       = "/" + ServiceName + "/GetStatus"
	methodSubmitProcedure = "/" + ServiceName + "/SubmitProcedure"
	methodGetProcedure    = "/" + ServiceName + "/GetProcedure"
)

// AdminServer 管理服務的伺服端介面
type AdminServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProcedure(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AdminServiceDesc 管理服務描述
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "SubmitProcedure", Handler: submitProcedureHandler},
		{MethodName: "GetProcedure", Handler: getProcedureHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gnbsched/admin/v1/admin.proto",
}

// RegisterAdminServer 將實作註冊到 gRPC 伺服器
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func submitProcedureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).SubmitProcedure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitProcedure}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).SubmitProcedure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getProcedureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetProcedure(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetProcedure}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).GetProcedure(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Client
// ============================================================================

// AdminClient 管理服務的 client
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient 以既有連線建立 client
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Dial 建立到 addr 的連線（未加密）
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// GetStatus 取得系統狀態
func (c *AdminClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SubmitProcedure 提交程序，返回程序被接受時的狀態
func (c *AdminClient) SubmitProcedure(ctx context.Context, req types.ProcedureRequest, opts ...grpc.CallOption) (types.ProcedureStatus, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodSubmitProcedure, in, out, opts...); err != nil {
		return "", err
	}
	return types.ProcedureStatus(out.GetFields()["status"].GetStringValue()), nil
}

// GetProcedure 取得程序紀錄
func (c *AdminClient) GetProcedure(ctx context.Context, id types.ProcedureID, opts ...grpc.CallOption) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"id": string(id)})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetProcedure, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
