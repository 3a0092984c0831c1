package sgrpc

import (
	"context"
	"strconv"

	"google.golang.org/grpc/metadata"

	"github.com/ikenchina/octopus-tcc/define"
)

func ParseContextMeta(ctx context.Context) (gtid string, bid int, txnType string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return
	}

	if gtids := md.Get(define.HeaderGtid); len(gtids) > 0 {
		gtid = gtids[0]
		if bids := md.Get(define.HeaderBranchId); len(bids) > 0 {
			bid, _ = strconv.Atoi(bids[0])
		}
	}
	if types := md.Get(define.HeaderTxnType); len(types) > 0 {
		txnType = types[0]
	}
	return
}

func SetMetaFromOutgoingContext(ctx context.Context, gtid string, bid int, txnType string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	md.Set(define.HeaderGtid, gtid)
	md.Set(define.HeaderBranchId, strconv.Itoa(bid))
	md.Set(define.HeaderTxnType, txnType)
	return metadata.NewOutgoingContext(ctx, md)
}
