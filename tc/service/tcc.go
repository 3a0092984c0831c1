package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/common/metrics"
	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
	"github.com/ikenchina/octopus-tcc/tc/app/publisher"
	"github.com/ikenchina/octopus-tcc/tc/app/recovery"
	"github.com/ikenchina/octopus-tcc/tc/app/rmclient"
	"github.com/ikenchina/octopus-tcc/tc/app/store"
)

var (
	requestTimer = metrics.NewTimer("dtx", "tcc", "request", "tcc request timer", []string{"op", "code"})

	errBadRequest = errors.New("bad request")
)

const defaultDeadLetterLimit = 100

// RESTful APIs

func (tc *TcService) toStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, publisher.ErrBackpressure), errors.Is(err, publisher.ErrClosed),
		errors.Is(err, recovery.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, recovery.ErrInFlight):
		return http.StatusAccepted
	case errors.Is(err, errBadRequest), errors.Is(err, store.ErrInvalidGroup),
		errors.Is(err, model.ErrInvalidEvent), errors.Is(err, rmclient.ErrInvalidEndpoint):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// enter registers a running request unless the service is closed.
func (tc *TcService) enter(c *gin.Context) bool {
	if tc.closed() {
		c.JSON(http.StatusServiceUnavailable, &define.TccResponse{Msg: "service is closed"})
		return false
	}
	tc.wait.Add(1)
	return true
}

func (tc *TcService) reply(c *gin.Context, code int, resp *define.TccResponse, err error) {
	if err != nil {
		resp.Msg = fmt.Sprintf("ERROR : %v", err)
	}
	c.JSON(code, resp)
}

func isSync(c *gin.Context) bool {
	sync, _ := strconv.ParseBool(c.Query("sync"))
	return sync
}

func (tc *TcService) parse(c *gin.Context) (*model.TransactionGroup, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("%w : %v", errBadRequest, err)
	}
	request := &define.TccRequest{}
	if err = json.Unmarshal(body, request); err != nil {
		return nil, fmt.Errorf("%w : %v", errBadRequest, err)
	}
	if len(request.Gtid) == 0 {
		request.Gtid, err = tc.idGenerator.NextId()
		if err != nil {
			return nil, err
		}
	}
	return convertToModel(request)
}

func convertToModel(request *define.TccRequest) (*model.TransactionGroup, error) {
	if request.MaxRetry < 0 {
		return nil, fmt.Errorf("%w : negative max retry", errBadRequest)
	}
	g := model.NewTransactionGroup(request.Gtid, request.MaxRetry)
	g.Business = request.Business
	g.Payload = request.Payload
	for _, p := range request.Participants {
		if err := rmclient.ValidateEndpoint(p.Endpoint); err != nil {
			return nil, err
		}
		g.AddParticipant(&model.Participant{
			Endpoint: p.Endpoint,
			Confirm:  model.Invocation{Method: p.Confirm.Method, Timeout: p.Confirm.Timeout},
			Cancel:   model.Invocation{Method: p.Cancel.Method, Timeout: p.Cancel.Timeout},
			Payload:  p.Payload,
		})
	}
	return g, nil
}

func parseFromModel(resp *define.TccResponse, g *model.TransactionGroup) {
	if g == nil {
		return
	}
	resp.Gtid = g.Gtid
	resp.State = g.State
	resp.RetryCount = g.RetryCount
	resp.MaxRetry = g.MaxRetry
	resp.CreatedTime = g.CreatedTime
	resp.UpdatedTime = g.UpdatedTime
	resp.Participants = resp.Participants[:0]
	for _, p := range g.Participants {
		resp.Participants = append(resp.Participants, define.TccParticipantResponse{
			Index:    p.Index,
			Endpoint: p.Endpoint,
			Outcome:  p.Outcome,
		})
	}
}

// HttpBegin records a new group, through the publisher unless sync is set.
func (tc *TcService) HttpBegin(c *gin.Context) {
	code := http.StatusOK
	timer := requestTimer.Timer()
	defer func() { timer("Begin", strconv.Itoa(code)) }()
	if !tc.enter(c) {
		code = http.StatusServiceUnavailable
		return
	}
	defer tc.wait.Done()

	g, err := tc.parse(c)
	if err != nil {
		code = tc.toStatusCode(err)
		tc.reply(c, code, &define.TccResponse{}, err)
		return
	}

	ctx := logutil.WithGtid(c.Request.Context(), g.Gtid)
	resp := &define.TccResponse{}
	if isSync(c) {
		err = tc.store.Put(ctx, g)
		if err == nil {
			g, err = tc.store.Get(ctx, g.Gtid)
		}
	} else {
		err = tc.publisher.Publish(ctx, model.NewBeginEvent(g))
		if err == nil {
			code = http.StatusAccepted
		}
	}
	parseFromModel(resp, g)
	if err != nil {
		code = tc.toStatusCode(err)
		logutil.Logger(ctx).Warn("begin transaction group", zap.Error(err))
	}
	tc.reply(c, code, resp, err)
}

// HttpTransition records a state change or participant outcomes.
func (tc *TcService) HttpTransition(c *gin.Context) {
	code := http.StatusOK
	timer := requestTimer.Timer()
	defer func() { timer("Transition", strconv.Itoa(code)) }()
	if !tc.enter(c) {
		code = http.StatusServiceUnavailable
		return
	}
	defer tc.wait.Done()

	gtid := c.Param("gtid")
	request := &define.TccStateRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		code = http.StatusBadRequest
		tc.reply(c, code, &define.TccResponse{Gtid: gtid}, err)
		return
	}
	code, resp, err := tc.transit(c, gtid, request.State, request.Outcomes, false)
	tc.reply(c, code, resp, err)
}

func (tc *TcService) HttpConfirm(c *gin.Context) {
	tc.complete(c, "Confirm", define.TxnStateConfirming)
}

func (tc *TcService) HttpCancel(c *gin.Context) {
	tc.complete(c, "Cancel", define.TxnStateCancelling)
}

// complete moves a group to confirming or cancelling. With sync set the
// participants are driven before the response.
func (tc *TcService) complete(c *gin.Context, op, state string) {
	code := http.StatusOK
	timer := requestTimer.Timer()
	defer func() { timer(op, strconv.Itoa(code)) }()
	if !tc.enter(c) {
		code = http.StatusServiceUnavailable
		return
	}
	defer tc.wait.Done()

	code, resp, err := tc.transit(c, c.Param("gtid"), state, nil, true)
	tc.reply(c, code, resp, err)
}

func (tc *TcService) transit(c *gin.Context, gtid, state string, outcomes map[int]string, drive bool) (int, *define.TccResponse, error) {
	ctx := logutil.WithGtid(c.Request.Context(), gtid)
	resp := &define.TccResponse{Gtid: gtid, State: state}
	ev := model.NewTransitionEvent(gtid, state, outcomes)
	if err := ev.Validate(); err != nil {
		return http.StatusBadRequest, resp, err
	}

	if !isSync(c) {
		if err := tc.publisher.Publish(ctx, ev); err != nil {
			return tc.toStatusCode(err), resp, err
		}
		return http.StatusAccepted, resp, nil
	}

	if err := tc.store.UpdateState(ctx, gtid, state, outcomes); err != nil {
		return tc.toStatusCode(err), resp, err
	}
	var (
		g   *model.TransactionGroup
		err error
	)
	if drive {
		g, err = tc.scanner.Drive(ctx, gtid)
		if errors.Is(err, recovery.ErrInFlight) {
			g, _ = tc.store.Get(ctx, gtid)
			parseFromModel(resp, g)
			return http.StatusAccepted, resp, nil
		}
	} else {
		g, err = tc.store.Get(ctx, gtid)
	}
	parseFromModel(resp, g)
	return tc.toStatusCode(err), resp, err
}

func (tc *TcService) HttpGet(c *gin.Context) {
	code := http.StatusOK
	timer := requestTimer.Timer()
	defer func() { timer("Get", strconv.Itoa(code)) }()
	if !tc.enter(c) {
		code = http.StatusServiceUnavailable
		return
	}
	defer tc.wait.Done()

	gtid := c.Param("gtid")
	g, err := tc.store.Get(c.Request.Context(), gtid)
	resp := &define.TccResponse{Gtid: gtid}
	parseFromModel(resp, g)
	code = tc.toStatusCode(err)
	tc.reply(c, code, resp, err)
}

// HttpDeadLetters lists dead letter groups, oldest first.
func (tc *TcService) HttpDeadLetters(c *gin.Context) {
	if !tc.enter(c) {
		return
	}
	defer tc.wait.Done()

	limit := defaultDeadLetterLimit
	if v := c.Query("limit"); len(v) > 0 {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, &define.TccResponse{Msg: fmt.Sprintf("ERROR : invalid limit %q", v)})
			return
		}
		limit = n
	}

	groups, err := tc.store.ListByState(c.Request.Context(), define.TxnStateDeadLetter, time.Time{}, limit)
	if err != nil {
		tc.reply(c, tc.toStatusCode(err), &define.TccResponse{}, err)
		return
	}
	resps := make([]*define.TccResponse, 0, len(groups))
	for _, g := range groups {
		resp := &define.TccResponse{}
		parseFromModel(resp, g)
		resps = append(resps, resp)
	}
	c.JSON(http.StatusOK, resps)
}

// HttpRemove deletes a terminal group.
func (tc *TcService) HttpRemove(c *gin.Context) {
	if !tc.enter(c) {
		return
	}
	defer tc.wait.Done()

	gtid := c.Param("gtid")
	err := tc.store.Delete(c.Request.Context(), gtid)
	if err == nil {
		logutil.Logger(c.Request.Context()).Info("transaction group removed", zap.String("gtid", gtid))
	}
	tc.reply(c, tc.toStatusCode(err), &define.TccResponse{Gtid: gtid}, err)
}
