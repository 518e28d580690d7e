// Package recovery turns panics in request handlers into internal errors.
package recovery

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/koral-rdf/koral/pkg/logger"
)

const internalErrorMsg = "internal server error"

// HTTPPanicRecoveryHandler recovers from panics for http services.
func HTTPPanicRecoveryHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				l.Error("HTTPPanicRecoveryHandler has recovered a panic",
					zap.Error(fmt.Errorf("%v", err)),
					zap.ByteString("stacktrace", debug.Stack()),
				)
				http.Error(w, internalErrorMsg, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// PanicRecoveryHandler recovers from panics for unary/stream services.
func PanicRecoveryHandler(l logger.Logger) grpc_recovery.RecoveryHandlerFuncContext {
	return func(ctx context.Context, p any) error {
		l.ErrorWithContext(ctx, "PanicRecoveryHandler has recovered a panic",
			zap.Error(fmt.Errorf("%v", p)),
			zap.ByteString("stacktrace", debug.Stack()),
		)

		return status.Error(codes.Internal, internalErrorMsg)
	}
}
