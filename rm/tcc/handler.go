package tcc

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	sgrpc "github.com/ikenchina/octopus-tcc/common/grpc"
	shttp "github.com/ikenchina/octopus-tcc/common/http"
	logutil "github.com/ikenchina/octopus-tcc/common/log"
)

const maxPayloadSize = 1 << 20

// BranchFunc handles one branch operation. payload is the request body.
type BranchFunc func(ctx context.Context, gtid string, bid int, payload []byte) error

// Orm binds fn to db through the branch ledger for op.
func Orm(db *gorm.DB, op string, fn func(tx *gorm.DB, payload []byte) error) BranchFunc {
	return func(ctx context.Context, gtid string, bid int, payload []byte) error {
		return handle(ctx, db, gtid, bid, op, func(tx *gorm.DB) error {
			return fn(tx, payload)
		})
	}
}

// StatusCode is what a participant replies for err. The coordinator only
// takes 200 as success, so a refused confirm or cancel keeps being retried
// until the group is dead lettered.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidBranch), errors.Is(err, ErrUnknownOperate):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotTried), errors.Is(err, ErrBranchConfirm), errors.Is(err, ErrBranchCancel):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// HttpHandler serves fn with the branch taken from the transaction headers.
func HttpHandler(fn BranchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := shttp.ParseHeader(r)
		if len(h.Gtid) == 0 {
			http.Error(w, ErrInvalidBranch.Error(), http.StatusBadRequest)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx := logutil.WithGtid(r.Context(), h.Gtid)
		err = fn(ctx, h.Gtid, h.BranchId, payload)
		code := StatusCode(err)
		if err != nil {
			logutil.Logger(ctx).Warn("branch operation", zap.Int("branch", h.BranchId),
				zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, err.Error(), code)
			return
		}
		w.WriteHeader(code)
	}
}

// Grpc runs fn for the branch carried in the incoming metadata.
func Grpc(ctx context.Context, payload []byte, fn BranchFunc) error {
	gtid, bid, _ := sgrpc.ParseContextMeta(ctx)
	if len(gtid) == 0 {
		return ErrInvalidBranch
	}
	return fn(logutil.WithGtid(ctx, gtid), gtid, bid, payload)
}
