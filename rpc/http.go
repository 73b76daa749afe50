package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"workledger/core"
	"workledger/observability/metrics"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultRatePerSecond   = 50
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeEscrowNotFound      = -32040
	codeEscrowInvalidState  = -32041
	codeEscrowForbidden     = -32042
	codeChannelNotFound     = -32050
	codeChannelInvalidState = -32051
	codeChannelBadSignature = -32052
	codeDisputeForbidden    = -32060
)

// ServerOptions tunes transport-level limits.
type ServerOptions struct {
	RatePerSecond   int
	MaxRequestBytes int64
	Logger          *slog.Logger
}

type Server struct {
	node   *core.Node
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	ratePerSecond   int
	maxRequestBytes int64
	authToken       string
}

// NewServer builds a JSON-RPC server over the provided node. The bearer token
// protecting mutating methods is read from WORKLEDGER_RPC_TOKEN.
func NewServer(node *core.Node, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	maxBytes := opts.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	return &Server{
		node:            node,
		logger:          logger,
		limiters:        make(map[string]*rate.Limiter),
		ratePerSecond:   perSecond,
		maxRequestBytes: maxBytes,
		authToken:       strings.TrimSpace(os.Getenv("WORKLEDGER_RPC_TOKEN")),
	}
}

// Start serves the RPC endpoint and Prometheus metrics until the listener
// fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.errorCode = code
	}
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := uuid.NewString()

	reader := http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.allowSource(sourceAddr(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w}
	s.dispatch(recorder, r, req)
	metrics.RPC().Observe(req.Method, recorder.errorCode, time.Since(started))
	s.logger.Debug("rpc request",
		"requestId", requestID,
		"method", req.Method,
		"durationMs", time.Since(started).Milliseconds(),
	)
}

// statusRecorder remembers the last error code written by a handler so the
// metrics layer can label outcomes.
type statusRecorder struct {
	http.ResponseWriter
	errorCode int
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "escrow_createProject":
		s.authorized(w, r, req, s.handleEscrowCreateProject)
	case "escrow_fund":
		s.authorized(w, r, req, s.handleEscrowFund)
	case "escrow_attachChannel":
		s.authorized(w, r, req, s.handleEscrowAttachChannel)
	case "escrow_submitDeliverable":
		s.authorized(w, r, req, s.handleEscrowSubmitDeliverable)
	case "escrow_beginReview":
		s.authorized(w, r, req, s.handleEscrowBeginReview)
	case "escrow_approveMilestone":
		s.authorized(w, r, req, s.handleEscrowApproveMilestone)
	case "escrow_rejectMilestone":
		s.authorized(w, r, req, s.handleEscrowRejectMilestone)
	case "escrow_disputeMilestone":
		s.authorized(w, r, req, s.handleEscrowDisputeMilestone)
	case "escrow_cancelProject":
		s.authorized(w, r, req, s.handleEscrowCancelProject)
	case "escrow_getProject":
		s.handleEscrowGetProject(w, r, req)
	case "channel_open":
		s.authorized(w, r, req, s.handleChannelOpen)
	case "channel_deposit":
		s.authorized(w, r, req, s.handleChannelDeposit)
	case "channel_updateState":
		s.authorized(w, r, req, s.handleChannelUpdateState)
	case "channel_startStream":
		s.authorized(w, r, req, s.handleChannelStartStream)
	case "channel_stopStream":
		s.authorized(w, r, req, s.handleChannelStopStream)
	case "channel_initiateSettlement":
		s.authorized(w, r, req, s.handleChannelInitiateSettlement)
	case "channel_challenge":
		s.authorized(w, r, req, s.handleChannelChallenge)
	case "channel_settle":
		s.authorized(w, r, req, s.handleChannelSettle)
	case "channel_get":
		s.handleChannelGet(w, r, req)
	case "dispute_assignValidator":
		s.authorized(w, r, req, s.handleDisputeAssign)
	case "dispute_resolve":
		s.authorized(w, r, req, s.handleDisputeResolve)
	case "dispute_registerValidator":
		s.authorized(w, r, req, s.handleDisputeRegisterValidator)
	case "dispute_removeValidator":
		s.authorized(w, r, req, s.handleDisputeRemoveValidator)
	case "dispute_listValidators":
		s.handleDisputeListValidators(w, r, req)
	case "ledger_getBalance":
		s.handleGetBalance(w, r, req)
	case "ledger_getReputation":
		s.handleGetReputation(w, r, req)
	case "ledger_getEvents":
		s.handleGetEvents(w, r, req)
	case "oracle_setRate":
		s.authorized(w, r, req, s.handleOracleSetRate)
	case "oracle_getRate":
		s.handleOracleGetRate(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) authorized(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.ratePerSecond), s.ratePerSecond)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}
