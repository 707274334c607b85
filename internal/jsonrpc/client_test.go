package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"computecannon/pkg/api"
)

func TestCall_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != api.ContentType {
			t.Errorf("expected Content-Type %s, got %s", api.ContentType, ct)
		}

		var req api.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.JSONRPC != "2.0" || req.Method != api.MethodTestRPC || req.ID == "" {
			t.Errorf("unexpected envelope %+v", req)
		}
		var params api.TestRPCParams
		json.Unmarshal(req.Params, &params)

		result, _ := json.Marshal(params.Echo + params.Echo)
		json.NewEncoder(w).Encode(api.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	var got string
	if err := client.Call(context.Background(), api.MethodTestRPC, api.TestRPCParams{Echo: "check12"}, &got); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "check12check12" {
		t.Errorf("expected check12check12, got %q", got)
	}
}

func TestCall_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		checkErr func(t *testing.T, err error)
	}{
		{
			name:   "html error page",
			body:   "<html>bad gateway</html>",
			status: http.StatusBadGateway,
			checkErr: func(t *testing.T, err error) {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ProtocolError, got %v", err)
				}
				if pe.StatusCode != http.StatusBadGateway {
					t.Errorf("expected status 502, got %d", pe.StatusCode)
				}
			},
		},
		{
			name:   "error object",
			body:   `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`,
			status: http.StatusOK,
			checkErr: func(t *testing.T, err error) {
				var re *RPCError
				if !errors.As(err, &re) {
					t.Fatalf("expected RPCError, got %v", err)
				}
				if re.Code != api.CodeMethodNotFound || re.Message != "method not found" {
					t.Errorf("unexpected error %+v", re)
				}
			},
		},
		{
			name:   "json body with failing status",
			body:   `{"jsonrpc":"2.0","id":"1","result":{"jobId":"j"}}`,
			status: http.StatusServiceUnavailable,
			checkErr: func(t *testing.T, err error) {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ProtocolError, got %v", err)
				}
				if pe.StatusCode != http.StatusServiceUnavailable {
					t.Errorf("expected status 503, got %d", pe.StatusCode)
				}
			},
		},
		{
			name:   "error object with failing status",
			body:   `{"jsonrpc":"2.0","id":"1","error":{"code":-32600,"message":"bad request"}}`,
			status: http.StatusBadRequest,
			checkErr: func(t *testing.T, err error) {
				var re *RPCError
				if !errors.As(err, &re) {
					t.Fatalf("expected RPCError, got %v", err)
				}
			},
		},
		{
			name:   "error string",
			body:   `{"jsonrpc":"2.0","id":"1","error":"no such job"}`,
			status: http.StatusOK,
			checkErr: func(t *testing.T, err error) {
				var re *RPCError
				if !errors.As(err, &re) {
					t.Fatalf("expected RPCError, got %v", err)
				}
				if re.Message != "no such job" {
					t.Errorf("unexpected message %q", re.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL).Call(context.Background(), "anything", nil, nil)
			tt.checkErr(t, err)
		})
	}
}

func TestMethods(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		json.NewEncoder(w).Encode([]api.MethodInfo{
			{Alias: "submitjob", Doc: "Submit a job", Args: []api.MethodArg{{Name: "image", Type: "string"}}},
			{Alias: "test_rpc", Doc: "Echo twice"},
		})
	}))
	defer server.Close()

	methods, err := NewClient(server.URL + "/").Methods(context.Background())
	if err != nil {
		t.Fatalf("Methods failed: %v", err)
	}
	if len(methods) != 2 || methods[0].Alias != "submitjob" || methods[0].Args[0].Name != "image" {
		t.Errorf("unexpected methods %+v", methods)
	}
}

func TestRateLimit_WaitsForToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":null}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRateLimit(1, 1))
	ctx := context.Background()
	if err := client.Call(ctx, "m", nil, nil); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// the bucket is empty now; a short deadline cannot be met
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := client.Call(shortCtx, "m", nil, nil); err == nil {
		t.Error("expected rate limiter to refuse the second call")
	}
	if calls != 1 {
		t.Errorf("expected 1 request to reach the server, got %d", calls)
	}
}
