package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/ikenchina/octopus-tcc/define"
)

// maxBodySize bounds how much of a participant response is read.
const maxBodySize = 1 << 20

// Header is what a participant receives with every request.
type Header struct {
	Gtid     string
	BranchId int
	TxnType  string
}

func (h Header) apply(req *http.Request) {
	if len(h.Gtid) > 0 {
		req.Header.Add(define.HeaderGtid, h.Gtid)
		req.Header.Add(define.HeaderBranchId, strconv.Itoa(h.BranchId))
	}
	if len(h.TxnType) > 0 {
		req.Header.Add(define.HeaderTxnType, h.TxnType)
	}
}

// ParseHeader is the participant side of Header.
func ParseHeader(req *http.Request) Header {
	bid, _ := strconv.Atoi(req.Header.Get(define.HeaderBranchId))
	return Header{
		Gtid:     req.Header.Get(define.HeaderGtid),
		BranchId: bid,
		TxnType:  req.Header.Get(define.HeaderTxnType),
	}
}

// Send issues one request with client and returns the status code and body.
func Send(ctx context.Context, client *http.Client, method, url string, h Header, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	h.apply(req)

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	d, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, d, nil
}
