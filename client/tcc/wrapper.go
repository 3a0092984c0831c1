package tcc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	shttp "github.com/ikenchina/octopus-tcc/common/http"
	"github.com/ikenchina/octopus-tcc/define"
)

const defaultTryTimeout = 2 * time.Second

// Transaction is handed to the try functions of TccTransaction.
type Transaction struct {
	cli  *Client
	gtid string
	ctx  context.Context
}

func (t *Transaction) Gtid() string {
	return t.gtid
}

// TccTransaction records req, runs the try phase and then confirms or
// cancels. A gtid is requested from the coordinator when req has none.
// The response is the coordinator's view after the synchronous confirm or
// cancel; the returned error is the try error, if any.
func TccTransaction(ctx context.Context, cli *Client, req *define.TccRequest,
	tryFunctions func(t *Transaction) error) (*define.TccResponse, error) {

	if len(req.Gtid) == 0 {
		gtid, err := cli.NewGtid(ctx)
		if err != nil {
			return nil, err
		}
		req.Gtid = gtid
	}
	t := &Transaction{cli: cli, gtid: req.Gtid, ctx: ctx}

	if _, err := cli.Begin(ctx, req, true); err != nil {
		return nil, err
	}
	if _, err := cli.Transition(ctx, t.gtid, define.TxnStateTrying, nil, true); err != nil {
		return cancel(ctx, cli, t.gtid, err)
	}

	if err := tryFunctions(t); err != nil {
		return cancel(ctx, cli, t.gtid, err)
	}
	return cli.Confirm(ctx, t.gtid, true)
}

func cancel(ctx context.Context, cli *Client, gtid string, cause error) (*define.TccResponse, error) {
	resp, err := cli.Cancel(ctx, gtid, true)
	if err != nil {
		return nil, fmt.Errorf("%w, cancel : %v", cause, err)
	}
	return resp, cause
}

// Try posts payload to a participant's try url with the transaction
// headers. branchID is the participant's position in the begin request.
func (t *Transaction) Try(branchID int, url string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultTryTimeout
	}
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	code, body, err := shttp.Send(ctx, t.cli.Http, http.MethodPost, url,
		shttp.Header{Gtid: t.gtid, BranchId: branchID, TxnType: define.TxnTypeTcc}, payload)
	if err != nil {
		return nil, err
	}
	if code >= http.StatusBadRequest {
		return body, &StatusError{Code: code, Msg: string(body)}
	}
	return body, nil
}
