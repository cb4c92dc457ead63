package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	msgportv1 "github.com/sambigeara/msgport/api/msgport/v1"
	"github.com/sambigeara/msgport/pkg/msgerr"
)

var grpcCodes = map[msgerr.Code]codes.Code{
	msgerr.CodeUnknown:             codes.Unknown,
	msgerr.CodeIOError:             codes.Unavailable,
	msgerr.CodeInvalidParams:       codes.InvalidArgument,
	msgerr.CodeOutOfMemory:         codes.ResourceExhausted,
	msgerr.CodeNotFound:            codes.NotFound,
	msgerr.CodeAlreadyExisting:     codes.AlreadyExists,
	msgerr.CodeCertificateMismatch: codes.PermissionDenied,
}

// toStatus converts err into a gRPC status and the trailer naming its
// msgerr code. Errors that already are statuses pass through untouched.
func toStatus(log *zap.SugaredLogger, method string, err error) (metadata.MD, error) {
	var me *msgerr.Error
	if !errors.As(err, &me) {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		log.Errorw("unclassified error", "method", method, "err", err)
		me = msgerr.New(msgerr.CodeUnknown, "%v", err)
	}
	md := metadata.Pairs(msgportv1.ErrorTrailer, me.Code.String())
	return md, status.Error(grpcCodes[me.Code], me.Error())
}

func unaryErrorInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		res, err := handler(ctx, req)
		if err == nil {
			return res, nil
		}
		md, st := toStatus(log, info.FullMethod, err)
		if md != nil {
			_ = grpc.SetTrailer(ctx, md)
		}
		return nil, st
	}
}

func streamErrorInterceptor(log *zap.SugaredLogger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if err == nil {
			return nil
		}
		md, st := toStatus(log, info.FullMethod, err)
		if md != nil {
			ss.SetTrailer(md)
		}
		return st
	}
}
