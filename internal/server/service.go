// Package server exposes the pipeline over gRPC.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code: requests and responses are JSON-shaped objects with
// snake_case keys, and the default proto codec carries them.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "invoicepipeline.v1.PipelineService"

// PipelineServiceServer is the server API for PipelineService.
type PipelineServiceServer interface {
	CreateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBatches(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Chat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDocuments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReprocessDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInvoices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDeadLetters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequeueDeadLetter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchBatch(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(PipelineServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(PipelineServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchBatchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PipelineServiceServer).WatchBatch(in, stream)
}

// ServiceDesc describes PipelineService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateBatch", PipelineServiceServer.CreateBatch),
		unary("GetBatch", PipelineServiceServer.GetBatch),
		unary("ListBatches", PipelineServiceServer.ListBatches),
		unary("DeleteBatch", PipelineServiceServer.DeleteBatch),
		unary("CancelBatch", PipelineServiceServer.CancelBatch),
		unary("RequestAnalysis", PipelineServiceServer.RequestAnalysis),
		unary("GetAnalysis", PipelineServiceServer.GetAnalysis),
		unary("Chat", PipelineServiceServer.Chat),
		unary("ExportBatch", PipelineServiceServer.ExportBatch),
		unary("GetDocument", PipelineServiceServer.GetDocument),
		unary("ListDocuments", PipelineServiceServer.ListDocuments),
		unary("ReprocessDocument", PipelineServiceServer.ReprocessDocument),
		unary("ListInvoices", PipelineServiceServer.ListInvoices),
		unary("ApproveInvoice", PipelineServiceServer.ApproveInvoice),
		unary("RejectInvoice", PipelineServiceServer.RejectInvoice),
		unary("ListDeadLetters", PipelineServiceServer.ListDeadLetters),
		unary("RequeueDeadLetter", PipelineServiceServer.RequeueDeadLetter),
		unary("GetStats", PipelineServiceServer.GetStats),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchBatch",
			Handler:       watchBatchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "invoicepipeline/v1/pipeline.proto",
}

// RegisterPipelineServiceServer registers srv on s.
func RegisterPipelineServiceServer(s grpc.ServiceRegistrar, srv PipelineServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
