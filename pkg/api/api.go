// Package api contains the JSON messages of the remote job service.
// This package is shared between the remote engine and the dev server.
package api

import "encoding/json"

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// ContentType is sent with every RPC request.
const ContentType = "application/json-rpc"

// RPC method names.
const (
	MethodSubmitJob = "submitjob"
	MethodJob       = "job"
	MethodTestRPC   = "test_rpc"
)

// Commands accepted by the "job" method.
const (
	JobCommandStatus = "status"
	JobCommandKill   = "kill"
	JobCommandResult = "result"
)

// Request is a JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope. Error is either an object or a
// plain string, depending on the server.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ErrorObject is the structured form of a JSON-RPC error.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MethodInfo describes one method in the listing served on GET.
type MethodInfo struct {
	Alias string      `json:"alias"`
	Doc   string      `json:"doc"`
	Args  []MethodArg `json:"args,omitempty"`
}

// MethodArg describes one parameter of a method.
type MethodArg struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Doc  string `json:"doc"`
}

// Input encodings.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// InlineInput is an input file carried in the request body.
type InlineInput struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Encoding string `json:"encoding"`
}

// SubmitJobParams are the parameters of "submitjob".
type SubmitJobParams struct {
	Image       string        `json:"image"`
	Command     []string      `json:"command"`
	Inputs      []InlineInput `json:"inputs"`
	CPUs        int           `json:"cpus,omitempty"`
	MaxDuration int64         `json:"maxDuration,omitempty"` // milliseconds
	WorkingDir  string        `json:"workingDir,omitempty"`
}

// SubmitJobResult is the result of "submitjob".
type SubmitJobResult struct {
	JobID string `json:"jobId"`
}

// JobParams are the parameters of "job". The result is keyed by job ID.
type JobParams struct {
	Command string   `json:"command"`
	JobID   []string `json:"jobId"`
}

// JobResult is the per-job value returned by the "result" command. URLs
// are relative to the service base URL.
type JobResult struct {
	Stdout         string   `json:"stdout"`
	Stderr         string   `json:"stderr"`
	OutputsBaseURL string   `json:"outputsBaseUrl"`
	Outputs        []string `json:"outputs"`
	ExitCode       *int     `json:"exitCode,omitempty"`
}

// TestRPCParams are the parameters of "test_rpc". The result is Echo repeated twice.
type TestRPCParams struct {
	Echo string `json:"echo"`
}

// ErrorResponse is the standard error response format for non-RPC endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health probe.
type HealthResponse struct {
	Status string `json:"status"`
	Jobs   int    `json:"jobs"`
}
