package proof

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

// Server exposes a Backend over the JSON-RPC proving protocol.
type Server struct {
	backend Backend
	apiKey  string
	log     log.Logger
}

func NewServer(backend Backend, apiKey string) *Server {
	return &Server{backend: backend, apiKey: apiKey, log: log.New("module", "proof-server")}
}

func (s *Server) ServeHTTP(writer http.ResponseWriter, httpRequest *http.Request) {
	switch httpRequest.URL.Path {
	case "/", "":
		if !s.authorized(httpRequest) {
			http.Error(writer, "invalid api key", http.StatusUnauthorized)
			return
		}
		s.serveJsonRpc(writer, httpRequest)
	case "/health":
		writer.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(writer).Encode(map[string]any{"status": "ok"})
		if err != nil {
			http.Error(writer, "Failed to encode JSON response", http.StatusInternalServerError)
		}
	default:
		http.NotFound(writer, httpRequest)
	}
}

func (s *Server) authorized(httpRequest *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(httpRequest.Header.Get(apiKeyHeader)), []byte(s.apiKey)) == 1
}

type serverRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  []string        `json:"params"`
	Id      json.RawMessage `json:"id"`
}

func (s *Server) serveJsonRpc(writer http.ResponseWriter, httpRequest *http.Request) {
	if httpRequest.Method != http.MethodPost {
		http.Error(writer, "JSON-RPC requires POST", http.StatusMethodNotAllowed)
		return
	}
	var request serverRequest
	if err := json.NewDecoder(httpRequest.Body).Decode(&request); err != nil {
		http.Error(writer, "Failed to decode JSON request", http.StatusBadRequest)
		return
	}
	if request.Method == "" {
		http.Error(writer, "Method not found in JSON request", http.StatusBadRequest)
		return
	}

	response := map[string]any{
		"jsonrpc": "2.0",
		"id":      request.Id,
	}
	if result, err := s.callMethod(httpRequest.Context(), request.Method, request.Params); err != nil {
		s.log.Debug("Request failed", "method", request.Method, "err", err)
		response["error"] = NewJsonRpcError(err)
	} else {
		response["result"] = result
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		http.Error(writer, "Failed to encode JSON response", http.StatusInternalServerError)
	}
}

func (s *Server) callMethod(ctx context.Context, method string, params []string) (any, error) {
	switch method {
	case "submit":
		if len(params) != 2 {
			return nil, errors.New("submit expects [programId, input]")
		}
		id, err := program.ParseID(params[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
		}
		input, err := hexutil.Decode(params[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		handle, err := s.backend.Submit(ctx, id, input)
		if err != nil {
			return nil, err
		}
		s.log.Info("Proof requested", "program", id, "handle", handle)
		return submitResult{Handle: handle}, nil
	case "status":
		if len(params) != 1 {
			return nil, errors.New("status expects [handle]")
		}
		status, err := s.backend.Poll(ctx, Handle(params[0]))
		if err != nil {
			return nil, err
		}
		return statusResult{Status: status.Phase.String(), Reason: status.Reason}, nil
	case "receipt":
		if len(params) != 1 {
			return nil, errors.New("receipt expects [handle]")
		}
		return s.backend.Fetch(ctx, Handle(params[0]))
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
}
