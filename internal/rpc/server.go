package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"orcascore/engine/internal/errinfo"
	"orcascore/engine/internal/logging"
)

const (
	jsonRPCVersion = "2.0"
	maxMessageSize = 10 * 1024 * 1024
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeServerError    = -32000
)

var errMessageTooLarge = errors.New("message too large")

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	APIVer  string          `json:"api_version,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type ErrorPayload struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// InfoHandler is a handler that reports failures as structured ErrorInfo.
type InfoHandler func(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo)

type Error struct {
	Message string
	Data    interface{}
}

type Server struct {
	apiVersion string
	reader     *bufio.Reader
	writer     *bufio.Writer
	mu         sync.Mutex
	handlers   map[string]Handler
	logger     *slog.Logger
	inflight   sync.WaitGroup
	maxMessage int
}

func NewServer(apiVersion string, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		apiVersion: apiVersion,
		reader:     bufio.NewReader(r),
		writer:     bufio.NewWriter(w),
		handlers:   make(map[string]Handler),
		logger:     logger,
		maxMessage: maxMessageSize,
	}
}

func (s *Server) Register(method string, handler Handler) {
	s.handlers[method] = handler
}

// RegisterInfo adapts an InfoHandler; the RPC error message is the error
// code (or the detail when no code is set) and the ErrorInfo travels as data.
func (s *Server) RegisterInfo(method string, handler InfoHandler) {
	s.Register(method, func(ctx context.Context, params json.RawMessage) (any, *Error) {
		result, info := handler(ctx, params)
		if info == nil {
			return result, nil
		}
		message := info.ErrorCode
		if message == "" {
			message = info.Detail
		}
		return nil, &Error{Message: message, Data: info}
	})
}

// Serve reads requests until EOF and waits for in-flight handlers before
// returning.
func (s *Server) Serve(ctx context.Context) error {
	defer s.inflight.Wait()
	for {
		line, err := s.readMessage()
		if errors.Is(err, errMessageTooLarge) {
			s.logger.Warn("rpc.message_too_large", "limit", s.maxMessage)
			s.sendError(nil, codeInvalidRequest, "message too large", nil)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("rpc.read_failed", "error", err.Error())
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("rpc.invalid_json", "error", err.Error())
			s.sendError(nil, codeParseError, "invalid json", nil)
			continue
		}
		if req.JSONRPC != jsonRPCVersion {
			s.logger.Warn("rpc.invalid_version", "version", req.JSONRPC)
			s.sendError(req.ID, codeInvalidRequest, "invalid jsonrpc version", nil)
			continue
		}
		if req.APIVer != "" && req.APIVer != s.apiVersion {
			s.logger.Warn("rpc.incompatible_version", "requested", req.APIVer, "expected", s.apiVersion)
			s.sendError(req.ID, codeInvalidRequest, "incompatible api_version", map[string]string{"expected": s.apiVersion})
			continue
		}
		handler, ok := s.handlers[req.Method]
		if !ok {
			s.logger.Warn("rpc.method_not_found", "method", req.Method)
			s.sendError(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
			continue
		}
		s.logger.Debug("rpc.request", "method", req.Method, "id", string(req.ID), "params", logging.RedactJSON(req.Params))
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handleRequest(ctx, req, handler)
		}()
	}
}

// readMessage returns the next newline-terminated message. Input beyond
// maxMessage is drained up to the next newline and reported as
// errMessageTooLarge so the stream stays in sync. A final line without a
// newline is still returned.
func (s *Server) readMessage() ([]byte, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > s.maxMessage {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case oversized && (err == nil || errors.Is(err, io.EOF)):
			return nil, errMessageTooLarge
		case err == nil:
			return buf, nil
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return buf, nil
		default:
			return nil, err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request, handler Handler) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc.handler_panic", "method", req.Method, "id", string(req.ID), "panic", fmt.Sprint(r))
			if req.ID != nil {
				s.sendError(req.ID, codeInternalError, "internal error", nil)
			}
		}
	}()
	result, err := handler(ctx, req.Params)
	if req.ID == nil {
		return
	}
	if err != nil {
		s.logger.Error("rpc.response_error", "method", req.Method, "id", string(req.ID), "error", logging.RedactAny(err.Data))
		s.sendError(req.ID, codeServerError, err.Message, err.Data)
		return
	}
	s.logger.Debug("rpc.response", "method", req.Method, "id", string(req.ID),
		"elapsed_ms", time.Since(started).Milliseconds(), "result", logging.RedactAny(result))
	resp := Response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
	s.send(resp)
}

func (s *Server) Notify(method string, params any) {
	s.logger.Debug("rpc.notify", "method", method, "params", logging.RedactAny(params))
	n := Notification{JSONRPC: jsonRPCVersion, Method: method, Params: params}
	s.send(n)
}

func (s *Server) sendError(id json.RawMessage, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &ErrorPayload{Code: code, Message: message, Data: data},
	}
	s.send(resp)
}

func (s *Server) send(payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.writer.Write(append(data, '\n'))
	_ = s.writer.Flush()
}
