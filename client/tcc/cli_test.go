package tcc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	shttp "github.com/ikenchina/octopus-tcc/common/http"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
	"github.com/ikenchina/octopus-tcc/tc/config"
	"github.com/ikenchina/octopus-tcc/tc/service"
)

type rmMock struct {
	mutex   sync.Mutex
	calls   []string
	headers []shttp.Header
}

func (rm *rmMock) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rm.mutex.Lock()
	rm.calls = append(rm.calls, r.Method+" "+r.URL.Path)
	rm.headers = append(rm.headers, shttp.ParseHeader(r))
	rm.mutex.Unlock()
	if string(body) == "insufficient" {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("insufficient balance"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rm *rmMock) called() []string {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	return append([]string(nil), rm.calls...)
}

type _clientSuite struct {
	suite.Suite
	tc   *service.TcService
	done chan error
	rm   *rmMock
	srv  *httptest.Server
	cli  *Client
	ctx  context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(_clientSuite))
}

func (s *_clientSuite) SetupTest() {
	s.ctx = context.Background()
	s.rm = &rmMock{}
	s.srv = httptest.NewServer(s.rm)

	cfg := config.Default()
	cfg.IdGenerator = config.IdGeneratorUUID
	cfg.Store = store.Config{Scheme: define.StoreMemory}
	cfg.Recovery.Interval = time.Hour
	cfg.Client.Timeout = 500 * time.Millisecond
	tc, err := service.NewTc(cfg)
	s.Require().Nil(err)
	s.tc = tc

	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().Nil(err)
	s.done = make(chan error, 1)
	go func() { s.done <- tc.Serve(l) }()
	s.cli = &Client{TcServer: "http://" + l.Addr().String() + "/"}

	s.Require().Eventually(func() bool {
		_, err := s.cli.NewGtid(s.ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *_clientSuite) TearDownTest() {
	s.Nil(s.tc.Stop())
	s.Nil(<-s.done)
	s.srv.Close()
}

func (s *_clientSuite) request(gtid string) *define.TccRequest {
	return &define.TccRequest{
		Gtid:     gtid,
		Business: "transfer",
		Participants: []define.TccParticipant{
			{
				Endpoint: s.srv.URL,
				Confirm:  define.TccInvocation{Method: "/rm/a/confirm"},
				Cancel:   define.TccInvocation{Method: "/rm/a/cancel"},
			},
			{
				Endpoint: s.srv.URL,
				Confirm:  define.TccInvocation{Method: "/rm/b/confirm"},
				Cancel:   define.TccInvocation{Method: "/rm/b/cancel"},
			},
		},
	}
}

func (s *_clientSuite) TestLifecycle() {
	resp, err := s.cli.Begin(s.ctx, s.request("c1"), true)
	s.Require().Nil(err)
	s.Equal(define.TxnStateBegin, resp.State)
	s.Len(resp.Participants, 2)

	resp, err = s.cli.Transition(s.ctx, "c1", define.TxnStateTrying, nil, true)
	s.Require().Nil(err)
	s.Equal(define.TxnStateTrying, resp.State)

	resp, err = s.cli.Confirm(s.ctx, "c1", true)
	s.Require().Nil(err)
	s.Equal(define.TxnStateConfirmed, resp.State)
	for _, p := range resp.Participants {
		s.Equal(define.OutcomeSucceeded, p.Outcome)
	}
	s.ElementsMatch([]string{"POST /rm/a/confirm", "POST /rm/b/confirm"}, s.rm.called())

	resp, err = s.cli.Get(s.ctx, "c1")
	s.Require().Nil(err)
	s.Equal(define.TxnStateConfirmed, resp.State)
}

func (s *_clientSuite) TestErrors() {
	_, err := s.cli.Get(s.ctx, "missing")
	s.True(IsNotFound(err))

	_, err = s.cli.Confirm(s.ctx, "missing", true)
	s.True(IsNotFound(err))

	_, err = s.cli.Begin(s.ctx, s.request("c2"), true)
	s.Require().Nil(err)
	_, err = s.cli.Transition(s.ctx, "c2", "unknown", nil, true)
	var se *StatusError
	s.Require().True(errors.As(err, &se))
	s.Equal(http.StatusBadRequest, se.Code)
	s.NotEmpty(se.Msg)

	_, err = s.cli.Cancel(s.ctx, "c2", true)
	s.Nil(err)
	_, err = s.cli.Confirm(s.ctx, "c2", true)
	s.Require().True(errors.As(err, &se))
	s.Equal(http.StatusConflict, se.Code)
}

func (s *_clientSuite) TestTransactionConfirmed() {
	req := s.request("")
	resp, err := TccTransaction(s.ctx, s.cli, req, func(t *Transaction) error {
		for i := range req.Participants {
			if _, err := t.Try(i, s.srv.URL+"/rm/try", []byte("ok"), time.Second); err != nil {
				return err
			}
		}
		return nil
	})
	s.Require().Nil(err)
	s.NotEmpty(req.Gtid)
	s.Equal(req.Gtid, resp.Gtid)
	s.Equal(define.TxnStateConfirmed, resp.State)

	calls := s.rm.called()
	s.Equal([]string{"POST /rm/try", "POST /rm/try"}, calls[:2])
	s.ElementsMatch([]string{"POST /rm/a/confirm", "POST /rm/b/confirm"}, calls[2:])

	s.rm.mutex.Lock()
	defer s.rm.mutex.Unlock()
	s.Equal(shttp.Header{Gtid: req.Gtid, BranchId: 1, TxnType: define.TxnTypeTcc}, s.rm.headers[1])
}

func (s *_clientSuite) TestTransactionCancelled() {
	req := s.request("c3")
	resp, err := TccTransaction(s.ctx, s.cli, req, func(t *Transaction) error {
		s.Equal("c3", t.Gtid())
		if _, err := t.Try(0, s.srv.URL+"/rm/try", []byte("ok"), 0); err != nil {
			return err
		}
		_, err := t.Try(1, s.srv.URL+"/rm/try", []byte("insufficient"), 0)
		return err
	})
	var se *StatusError
	s.Require().True(errors.As(err, &se))
	s.Equal(http.StatusConflict, se.Code)
	s.Equal("insufficient balance", se.Msg)
	s.Require().NotNil(resp)
	s.Equal(define.TxnStateCancelled, resp.State)
	s.ElementsMatch([]string{"POST /rm/try", "POST /rm/try", "DELETE /rm/a/cancel", "DELETE /rm/b/cancel"}, s.rm.called())
}

func (s *_clientSuite) TestTransactionBeginFails() {
	tried := false
	_, err := TccTransaction(s.ctx, s.cli, &define.TccRequest{Gtid: "c4", MaxRetry: -1}, func(t *Transaction) error {
		tried = true
		return nil
	})
	s.NotNil(err)
	s.False(tried)
}
