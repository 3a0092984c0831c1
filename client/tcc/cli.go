package tcc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	shttp "github.com/ikenchina/octopus-tcc/common/http"
	"github.com/ikenchina/octopus-tcc/define"
)

var ErrEmptyGtid = errors.New("empty gtid")

// StatusError is returned for coordinator replies with a status of 400 or
// above.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code : %d, %s", e.Code, e.Msg)
}

// Client talks to the coordinator's http api.
type Client struct {
	TcServer string
	Http     *http.Client
}

func (cli *Client) url(gtid string, sync bool) string {
	u := strings.TrimRight(cli.TcServer, "/") + "/dtx/tcc"
	if len(gtid) > 0 {
		u += "/" + url.PathEscape(gtid)
	}
	if sync {
		u += "?sync=true"
	}
	return u
}

func (cli *Client) do(ctx context.Context, method, url string, body interface{}, out interface{}) (int, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return 0, err
		}
	}

	code, resp, err := shttp.Send(ctx, cli.Http, method, url, shttp.Header{}, data)
	if err != nil {
		return code, err
	}
	if code >= http.StatusBadRequest {
		msg := &define.TccResponse{}
		_ = json.Unmarshal(resp, msg)
		return code, &StatusError{Code: code, Msg: msg.Msg}
	}
	if out != nil && len(resp) > 0 {
		if err = json.Unmarshal(resp, out); err != nil {
			return code, err
		}
	}
	return code, nil
}

func (cli *Client) NewGtid(ctx context.Context) (string, error) {
	mm := make(map[string]string)
	_, err := cli.do(ctx, http.MethodGet, cli.url("gtid", false), nil, &mm)
	if err != nil {
		return "", err
	}
	gtid, ok := mm["gtid"]
	if !ok || len(gtid) == 0 {
		return "", ErrEmptyGtid
	}
	return gtid, nil
}

// Begin records a transaction group. Without sync the coordinator only
// queues the request and the response carries no timestamps.
func (cli *Client) Begin(ctx context.Context, req *define.TccRequest, sync bool) (*define.TccResponse, error) {
	resp := &define.TccResponse{}
	if _, err := cli.do(ctx, http.MethodPost, cli.url("", sync), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Transition moves a group to state and merges participant outcomes; an
// empty state records outcomes only.
func (cli *Client) Transition(ctx context.Context, gtid, state string, outcomes map[int]string, sync bool) (*define.TccResponse, error) {
	resp := &define.TccResponse{}
	req := &define.TccStateRequest{State: state, Outcomes: outcomes}
	if _, err := cli.do(ctx, http.MethodPatch, cli.url(gtid, sync), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Confirm asks the coordinator to confirm every participant. With sync set
// the reply reflects the participants' answers.
func (cli *Client) Confirm(ctx context.Context, gtid string, sync bool) (*define.TccResponse, error) {
	resp := &define.TccResponse{}
	if _, err := cli.do(ctx, http.MethodPut, cli.url(gtid, sync), nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *Client) Cancel(ctx context.Context, gtid string, sync bool) (*define.TccResponse, error) {
	resp := &define.TccResponse{}
	if _, err := cli.do(ctx, http.MethodDelete, cli.url(gtid, sync), nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *Client) Get(ctx context.Context, gtid string) (*define.TccResponse, error) {
	resp := &define.TccResponse{}
	if _, err := cli.do(ctx, http.MethodGet, cli.url(gtid, false), nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
