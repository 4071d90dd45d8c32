package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

const apiKeyHeader = "x-api-key"

// JSON-RPC error codes of the proving protocol.
const (
	CodeInternal       = -32000
	CodeInvalidProgram = -32001
	CodeUnknownJob     = -32002
	CodeJobNotReady    = -32003
	CodeUnauthorized   = -32004
	CodeInvalidInput   = -32005
	CodeUnavailable    = -32010
)

// ProverHost is a machine that runs the proving service and can be started
// on demand.
type ProverHost interface {
	StartIfNotRunning(ctx context.Context) error
	StopIfRunning(ctx context.Context)
	Address() string
}

type request struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Id      string `json:"id"`
}

type response[T any] struct {
	Jsonrpc string        `json:"jsonrpc"`
	Result  *T            `json:"result"`
	Error   *JsonRpcError `json:"error"`
	Id      string        `json:"id"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewJsonRpcErrorFromString(err string) *JsonRpcError {
	return &JsonRpcError{Code: CodeInternal, Message: err}
}

// NewJsonRpcError maps backend errors onto protocol codes.
func NewJsonRpcError(err error) *JsonRpcError {
	var rpcError *JsonRpcError
	if errors.As(err, &rpcError) {
		return rpcError
	}
	code := CodeInternal
	switch {
	case errors.Is(err, ErrInvalidProgram):
		code = CodeInvalidProgram
	case errors.Is(err, ErrUnknownJob):
		code = CodeUnknownJob
	case errors.Is(err, ErrJobNotReady):
		code = CodeJobNotReady
	case errors.Is(err, ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, ErrInvalidInput):
		code = CodeInvalidInput
	case errors.Is(err, ErrBackendUnavailable):
		code = CodeUnavailable
	}
	return &JsonRpcError{Code: code, Message: err.Error()}
}

func (j *JsonRpcError) Error() string { return fmt.Sprintf("[%d] %s", j.Code, j.Message) }

func (j *JsonRpcError) Unwrap() error {
	switch j.Code {
	case CodeInvalidProgram:
		return ErrInvalidProgram
	case CodeUnknownJob:
		return ErrUnknownJob
	case CodeJobNotReady:
		return ErrJobNotReady
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeInvalidInput:
		return ErrInvalidInput
	case CodeUnavailable:
		return ErrBackendUnavailable
	}
	return nil
}

type (
	submitResult struct {
		Handle Handle `json:"handle"`
	}
	statusResult struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}
)

// RemoteBackend speaks the JSON-RPC proving protocol to a proving service.
type RemoteBackend struct {
	address string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	log     log.Logger

	host          ProverHost
	readyInterval time.Duration

	mu       sync.Mutex
	inFlight map[Handle]struct{}
}

type RemoteOption func(*RemoteBackend)

func WithAPIKey(key string) RemoteOption {
	return func(r *RemoteBackend) { r.apiKey = key }
}

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteBackend) { r.client = c }
}

// WithRateLimit paces requests to the service. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) RemoteOption {
	return func(r *RemoteBackend) {
		if rps <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHost binds the backend to a prover host that is started before the
// first submit and stopped once no job is in flight. The host address
// replaces the static address.
func WithHost(host ProverHost, readyInterval time.Duration) RemoteOption {
	return func(r *RemoteBackend) {
		r.host = host
		r.readyInterval = readyInterval
	}
}

func NewRemoteBackend(address string, opts ...RemoteOption) *RemoteBackend {
	r := &RemoteBackend{
		address:       strings.TrimRight(address, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		limiter:       rate.NewLimiter(rate.Inf, 0),
		log:           log.New("module", "remote-backend"),
		readyInterval: time.Second,
		inFlight:      make(map[Handle]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteBackend) Submit(ctx context.Context, id program.ID, input []byte) (Handle, error) {
	if r.host != nil {
		if err := r.startHost(ctx); err != nil {
			return "", err
		}
	}
	res, err := send[submitResult](ctx, r, "submit", []string{id.Hex(), hexutil.Encode(input)})
	if err != nil {
		r.stopHostIfIdle(ctx)
		return "", err
	}
	if res.Handle == "" {
		return "", fmt.Errorf("%w: empty handle", ErrBackendUnavailable)
	}
	r.mu.Lock()
	r.inFlight[res.Handle] = struct{}{}
	r.mu.Unlock()
	return res.Handle, nil
}

func (r *RemoteBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	res, err := send[statusResult](ctx, r, "status", []string{string(handle)})
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			r.finish(ctx, handle)
		}
		return Status{}, err
	}
	phase, err := ParsePhase(res.Status)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if phase == Failed {
		r.finish(ctx, handle)
	}
	return Status{Phase: phase, Reason: res.Reason}, nil
}

func (r *RemoteBackend) Fetch(ctx context.Context, handle Handle) (*Receipt, error) {
	res, err := send[Receipt](ctx, r, "receipt", []string{string(handle)})
	if err != nil {
		return nil, err
	}
	r.finish(ctx, handle)
	return res, nil
}

func (r *RemoteBackend) endpoint() string {
	if r.host != nil {
		return strings.TrimRight(r.host.Address(), "/")
	}
	return r.address
}

func (r *RemoteBackend) startHost(ctx context.Context) error {
	if err := r.host.StartIfNotRunning(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	for { // Wait for the proving service on the host to come up.
		err := r.health(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
		r.log.Info("Prover host started, service not ready, waiting", "address", r.endpoint())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.readyInterval):
		}
	}
}

func (r *RemoteBackend) finish(ctx context.Context, handle Handle) {
	r.mu.Lock()
	delete(r.inFlight, handle)
	r.mu.Unlock()
	r.stopHostIfIdle(ctx)
}

func (r *RemoteBackend) stopHostIfIdle(ctx context.Context) {
	if r.host == nil {
		return
	}
	r.mu.Lock()
	idle := len(r.inFlight) == 0
	r.mu.Unlock()
	if idle {
		r.host.StopIfRunning(ctx)
	}
}

func (r *RemoteBackend) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint()+"/health", nil)
	if err != nil {
		return err
	}
	res, err := r.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrBackendUnavailable, res.StatusCode)
	}
	return nil
}

func send[T any](ctx context.Context, r *RemoteBackend, method string, params any) (*T, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(request{"2.0", method, params, "0"})
	if err != nil {
		return nil, fmt.Errorf("failed to json.Marshal %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpRequest.Header.Set(apiKeyHeader, r.apiKey)
	}
	httpResponse, err := r.client.Do(httpRequest)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer httpResponse.Body.Close()
	switch {
	case httpResponse.StatusCode == http.StatusUnauthorized || httpResponse.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case httpResponse.StatusCode >= http.StatusInternalServerError || httpResponse.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http status %d", ErrBackendUnavailable, httpResponse.StatusCode)
	}
	jsonBytes, err = io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	var response response[T]
	if err = json.Unmarshal(jsonBytes, &response); err != nil {
		r.log.Warn("Failed to decode response", "method", method, "err", err, "body", string(jsonBytes))
		return nil, fmt.Errorf("%w: malformed response to %s", ErrBackendUnavailable, method)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	if response.Result == nil {
		return nil, fmt.Errorf("%w: empty result for %s", ErrBackendUnavailable, method)
	}
	return response.Result, nil
}

// transportError keeps caller cancellation distinct from an unreachable service.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
