package rmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	sgrpc "github.com/ikenchina/octopus-tcc/common/grpc"
	shttp "github.com/ikenchina/octopus-tcc/common/http"
	"github.com/ikenchina/octopus-tcc/define"
)

// transport reaches one endpoint. invoke reports network failures through
// callError so the pool can track health.
type transport interface {
	protocol() string
	invoke(ctx context.Context, req *Request) Result
	probe(ctx context.Context) error
	close() error
}

type callError struct {
	network bool
	err     error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

func isNetworkError(err error) bool {
	var ce *callError
	return errors.As(err, &ce) && ce.network
}

func timedOut(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type target struct {
	protocol string
	// host:port
	address string
	// scheme://host[:port][/prefix] for http
	base string
}

// parseEndpoint accepts grpc://host:port, http(s)://host:port[/prefix] and a
// bare host:port, which is grpc.
func parseEndpoint(endpoint string) (target, error) {
	if !strings.Contains(endpoint, "://") {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return target{}, fmt.Errorf("%w : %s", ErrInvalidEndpoint, endpoint)
		}
		return target{protocol: define.RmProtocolGrpc, address: endpoint}, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || len(u.Host) == 0 {
		return target{}, fmt.Errorf("%w : %s", ErrInvalidEndpoint, endpoint)
	}
	switch u.Scheme {
	case define.RmProtocolGrpc:
		return target{protocol: define.RmProtocolGrpc, address: u.Host}, nil
	case define.RmProtocolHttp, define.RmProtocolHttps:
		address := u.Host
		if len(u.Port()) == 0 {
			port := "80"
			if u.Scheme == define.RmProtocolHttps {
				port = "443"
			}
			address = net.JoinHostPort(u.Hostname(), port)
		}
		return target{
			protocol: define.RmProtocolHttp,
			address:  address,
			base:     u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/"),
		}, nil
	}
	return target{}, fmt.Errorf("%w : %s", ErrInvalidEndpoint, endpoint)
}

// ValidateEndpoint reports whether endpoint can be reached by the pool.
func ValidateEndpoint(endpoint string) error {
	_, err := parseEndpoint(endpoint)
	return err
}

type grpcTransport struct {
	conn *grpc.ClientConn
}

func newGrpcTransport(t target, cfg *Config) (*grpcTransport, error) {
	conn, err := sgrpc.Dial(t.address,
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(
			grpc_retry.WithMax(cfg.GrpcRetry),
			grpc_retry.WithCodes(codes.Unavailable),
			grpc_retry.WithBackoff(grpc_retry.BackoffExponential(cfg.ReconnectMin)),
		)),
	)
	if err != nil {
		return nil, err
	}
	return &grpcTransport{conn: conn}, nil
}

func (gt *grpcTransport) protocol() string {
	return define.RmProtocolGrpc
}

func (gt *grpcTransport) invoke(ctx context.Context, req *Request) Result {
	ctx = sgrpc.SetMetaFromOutgoingContext(ctx, req.Gtid, req.BranchId, define.TxnTypeTcc)
	out := []byte{}
	err := gt.conn.Invoke(ctx, req.Method, req.Payload, &out)
	if err == nil {
		return Result{Outcome: Succeeded, Code: int(codes.OK), Body: out}
	}

	st, _ := status.FromError(err)
	result := Result{Outcome: Failed, Code: int(st.Code()), Err: err}
	switch {
	case st.Code() == codes.DeadlineExceeded || timedOut(ctx, err):
		result.Outcome = TimedOut
	case st.Code() == codes.Unavailable:
		result.Err = &callError{network: true, err: err}
	}
	return result
}

// probe waits until the connection is ready.
func (gt *grpcTransport) probe(ctx context.Context) error {
	gt.conn.Connect()
	for {
		state := gt.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrPoolClosed
		}
		if !gt.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (gt *grpcTransport) close() error {
	return gt.conn.Close()
}

// confirm is POST and cancel is DELETE, any status but 200 is a failure.
type httpTransport struct {
	target    target
	client    *http.Client
	transport *http.Transport
	dialer    *net.Dialer
}

func newHttpTransport(t target, cfg *Config) *httpTransport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerEndpoint,
		IdleConnTimeout:     90 * time.Second,
	}
	return &httpTransport{
		target:    t,
		client:    &http.Client{Transport: tr},
		transport: tr,
		dialer:    dialer,
	}
}

func (ht *httpTransport) protocol() string {
	return define.RmProtocolHttp
}

func (ht *httpTransport) url(method string) string {
	if len(method) == 0 {
		return ht.target.base
	}
	if !strings.HasPrefix(method, "/") {
		method = "/" + method
	}
	return ht.target.base + method
}

func (ht *httpTransport) invoke(ctx context.Context, req *Request) Result {
	method := http.MethodPost
	if req.Op == define.OpCancel {
		method = http.MethodDelete
	}
	code, body, err := shttp.Send(ctx, ht.client, method, ht.url(req.Method),
		shttp.Header{Gtid: req.Gtid, BranchId: req.BranchId, TxnType: define.TxnTypeTcc}, req.Payload)
	if err != nil {
		if timedOut(ctx, err) {
			return Result{Outcome: TimedOut, Code: code, Err: err}
		}
		return Result{Outcome: Failed, Code: code, Err: &callError{network: code == 0, err: err}}
	}
	if code != http.StatusOK {
		return Result{Outcome: Failed, Code: code, Body: body, Err: fmt.Errorf("%w : %d", ErrUnexpectedStatus, code)}
	}
	return Result{Outcome: Succeeded, Code: code, Body: body}
}

// probe only checks that the endpoint accepts connections.
func (ht *httpTransport) probe(ctx context.Context) error {
	conn, err := ht.dialer.DialContext(ctx, "tcp", ht.target.address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (ht *httpTransport) close() error {
	ht.transport.CloseIdleConnections()
	return nil
}
