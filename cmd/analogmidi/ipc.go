package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Exposes the engine facade to analogmidi-ctl and scripts.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "request_config"|"update_config"|"port_options"|
//     "select_port"|"status", "data": {...}}
//   - Server responds: {"status": "ok", "data": ...} or
//     {"status": "error", "error": "msg", "code": "..."}
// ============================================================================

// IPC request types
const (
	ipcRequestConfig = "request_config"
	ipcUpdateConfig  = "update_config"
	ipcPortOptions   = "port_options"
	ipcSelectPort    = "select_port"
	ipcStatus        = "status"
)

// IPC error codes
const (
	ipcCodeIndexOutOfRange = "index_out_of_range"
	ipcCodeConnectFailed   = "connect_failed"
	ipcCodeInvalidSettings = "invalid_settings"
	ipcCodeBadRequest      = "bad_request"
	ipcCodeClosed          = "engine_closed"
)

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Data   any    `json:"data,omitempty"`  // payload if status == "ok"
	Error  string `json:"error,omitempty"` // error message if status == "error"
	Code   string `json:"code,omitempty"`  // machine-readable error class
}

type selectPortData struct {
	Index *int `json:"index"`
}

// commandHandler is the engine facade as seen by the IPC server.
type commandHandler interface {
	RequestConfig() AppSettings
	UpdateConfig(AppSettings) error
	PortOptions() []PortOption
	SelectPort(index int) ([]PortOption, error)
	Snapshot() EngineSnapshot
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, h commandHandler, logger *slog.Logger) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, h, logger)
	}
}

// handleIPCConnection serves requests from one client until it disconnects.
func handleIPCConnection(conn net.Conn, h commandHandler, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := handleIPCRequest([]byte(line), h)
		if resp.Status != "ok" {
			logger.Info("IPC request failed", "code", resp.Code, "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("IPC read error", "error", err)
	}

	logger.Debug("IPC connection closed")
}

// handleIPCRequest decodes and executes one request line.
func handleIPCRequest(line []byte, h commandHandler) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError(ipcCodeBadRequest, fmt.Errorf("parse request: %w", err))
	}

	switch req.Type {
	case ipcRequestConfig:
		return ipcOK(h.RequestConfig())

	case ipcUpdateConfig:
		if len(req.Data) == 0 {
			return ipcError(ipcCodeBadRequest, errors.New("update_config requires data"))
		}
		settings, err := DecodeSettings(req.Data)
		if err != nil {
			return ipcFromError(err)
		}
		if err := h.UpdateConfig(settings); err != nil {
			return ipcFromError(err)
		}
		return ipcOK(h.RequestConfig())

	case ipcPortOptions:
		return ipcOK(h.PortOptions())

	case ipcSelectPort:
		var d selectPortData
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &d); err != nil {
				return ipcError(ipcCodeBadRequest, fmt.Errorf("parse select_port data: %w", err))
			}
		}
		if d.Index == nil {
			return ipcError(ipcCodeBadRequest, errors.New("select_port requires data.index"))
		}
		opts, err := h.SelectPort(*d.Index)
		if err != nil {
			return ipcFromError(err)
		}
		return ipcOK(opts)

	case ipcStatus:
		return ipcOK(h.Snapshot())

	case "":
		return ipcError(ipcCodeBadRequest, errors.New("missing request type"))

	default:
		return ipcError(ipcCodeBadRequest, fmt.Errorf("unknown request type: %s", req.Type))
	}
}

func ipcOK(data any) IPCResponse {
	return IPCResponse{Status: "ok", Data: data}
}

func ipcError(code string, err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error(), Code: code}
}

// ipcFromError maps facade errors to response codes.
func ipcFromError(err error) IPCResponse {
	switch {
	case errors.Is(err, ErrIndexOutOfRange):
		return ipcError(ipcCodeIndexOutOfRange, err)
	case errors.Is(err, ErrConnectFailed):
		return ipcError(ipcCodeConnectFailed, err)
	case errors.Is(err, ErrInvalidSettings):
		return ipcError(ipcCodeInvalidSettings, err)
	case errors.Is(err, ErrEngineClosed):
		return ipcError(ipcCodeClosed, err)
	default:
		return ipcError(ipcCodeBadRequest, err)
	}
}
