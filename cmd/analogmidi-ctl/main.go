package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// analogmidi-ctl - Command-line IPC Client
// ============================================================================
// Talks to the analogmidi daemon over its Unix domain socket.
//
// Usage:
//   analogmidi-ctl config
//   analogmidi-ctl set-config settings.json
//   analogmidi-ctl ports
//   analogmidi-ctl select-port 1
//   analogmidi-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/analogmidi.sock)
// ============================================================================

// Request is one IPC line (mirrors the daemon's IPCRequest).
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents the daemon's response
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

type portOption struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func main() {
	socketPath := "/tmp/analogmidi.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var req Request

	switch args[0] {
	case "config", "get-config":
		req.Type = "request_config"

	case "set-config":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: set-config requires a settings file (or - for stdin)\n")
			os.Exit(1)
		}
		data, err := readSettings(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		req = Request{Type: "update_config", Data: data}

	case "ports":
		req.Type = "port_options"

	case "select-port", "select":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: select-port requires a port index\n")
			os.Exit(1)
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid port index: %v\n", err)
			os.Exit(1)
		}
		data, _ := json.Marshal(map[string]int{"index": index})
		req = Request{Type: "select_port", Data: data}

	case "status":
		req.Type = "status"

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch req.Type {
	case "port_options", "select_port":
		printPorts(resp.Data)
	default:
		printJSON(resp.Data)
	}
}

// readSettings loads and syntax-checks a settings document. The daemon
// does the real validation.
func readSettings(path string) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(b), nil
}

func send(socketPath string, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		if resp.Code != "" {
			return resp, fmt.Errorf("daemon error (%s): %s", resp.Code, resp.Error)
		}
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printPorts(data json.RawMessage) {
	var ports []portOption
	if err := json.Unmarshal(data, &ports); err != nil {
		printJSON(data)
		return
	}
	if len(ports) == 0 {
		fmt.Println("no MIDI output ports")
		return
	}
	for _, p := range ports {
		mark := " "
		if p.Active {
			mark = "*"
		}
		fmt.Printf("%s %2d  %s\n", mark, p.Index, p.Name)
	}
}

func printJSON(data json.RawMessage) {
	if len(data) == 0 {
		fmt.Println("ok")
		return
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `analogmidi-ctl - Control the analogmidi daemon via IPC

Usage:
  analogmidi-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/analogmidi.sock)

Commands:
  config                  Print the current settings (JSON)
  set-config <file|->     Replace settings with a JSON document
  ports                   List MIDI output ports (* marks the active one)
  select-port <index>     Switch the MIDI output
  status                  Print devices, ports, settings and key status
  help, -h, --help        Show this help message

Examples:
  analogmidi-ctl config > settings.json
  analogmidi-ctl set-config settings.json
  analogmidi-ctl select-port 1
`)
}
