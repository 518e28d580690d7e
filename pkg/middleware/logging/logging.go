// Package logging reports the gRPC calls served by a node.
package logging

import (
	"context"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/koral-rdf/koral/pkg/logger"
)

const (
	grpcServiceKey     = "grpc_service"
	grpcMethodKey      = "grpc_method"
	grpcTypeKey        = "grpc_type"
	grpcCodeKey        = "grpc_code"
	traceIDKey         = "trace_id"
	peerAddressKey     = "peer.address"
	messagesKey        = "messages_received"
	grpcReqCompleteKey = "grpc_req_complete"
	queryDurationKey   = "query_duration_ms"

	healthCheckService string = "grpc.health.v1.Health"
)

// NewLoggingInterceptor creates a new logging interceptor for gRPC unary server requests.
func NewLoggingInterceptor(logger logger.Logger) grpc.UnaryServerInterceptor {
	return interceptors.UnaryServerInterceptor(reportable(logger))
}

// NewStreamingLoggingInterceptor creates a new streaming logging interceptor for gRPC stream server requests.
// A frame stream lives as long as the peer sending it, so it is reported once it ends.
func NewStreamingLoggingInterceptor(logger logger.Logger) grpc.StreamServerInterceptor {
	return interceptors.StreamServerInterceptor(reportable(logger))
}

type reporter struct {
	ctx         context.Context
	logger      logger.Logger
	fields      []zap.Field
	serviceName string
	received    int
}

// PostCall is invoked after all PostMsgSend operations.
func (r *reporter) PostCall(err error, rpcDuration time.Duration) {
	rpcDurationMs := strconv.FormatInt(rpcDuration.Milliseconds(), 10)

	r.fields = append(r.fields,
		zap.String(queryDurationKey, rpcDurationMs),
		zap.String(grpcCodeKey, status.Code(err).String()),
	)
	if r.received > 0 {
		r.fields = append(r.fields, zap.Int(messagesKey, r.received))
	}

	// Probes would drown the other entries.
	if r.serviceName == healthCheckService {
		r.logger.Debug(grpcReqCompleteKey, r.fields...)
		return
	}

	if err != nil {
		r.fields = append(r.fields, zap.Error(err))
	}
	r.logger.Info(grpcReqCompleteKey, r.fields...)
}

// PostMsgSend is invoked once after a unary response or multiple times in
// streaming requests after each message has been sent.
func (r *reporter) PostMsgSend(interface{}, error, time.Duration) {}

// PostMsgReceive is invoked after receiving a message in streaming requests.
func (r *reporter) PostMsgReceive(_ interface{}, err error, _ time.Duration) {
	if err == nil {
		r.received++
	}
}

func reportable(l logger.Logger) interceptors.CommonReportableFunc {
	return func(ctx context.Context, c interceptors.CallMeta) (interceptors.Reporter, context.Context) {
		fields := []zap.Field{
			zap.String(grpcServiceKey, c.Service),
			zap.String(grpcMethodKey, c.Method),
			zap.String(grpcTypeKey, string(c.Typ)),
		}

		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.HasTraceID() {
			fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
		}

		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String(peerAddressKey, p.Addr.String()))
		}

		return &reporter{
			ctx:         ctx,
			logger:      l,
			fields:      fields,
			serviceName: c.Service,
		}, ctx
	}
}
