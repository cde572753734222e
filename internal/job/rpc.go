package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// rpcRequest is the standard Bitcoin Core JSON-RPC 1.0 envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

// TransportError wraps a failure to reach the node at all (connection
// refused, timeout, DNS failure): retryable on the next poll tick.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rpc transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a JSON-RPC error object returned by the node: not
// retried at the call site, but not fatal to the coordinator.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// BlockRejectedError reports a non-null string result from submitblock: the
// node accepted the RPC call but rejected the block itself.
type BlockRejectedError struct {
	Reason string
}

func (e *BlockRejectedError) Error() string { return fmt.Sprintf("block rejected: %s", e.Reason) }

// RPCClient is a single JSON-RPC endpoint reachable over HTTP/1.1 with Basic
// auth, used both as a Source and a Submitter.
type RPCClient struct {
	httpClient *http.Client
	url        *url.URL
}

// NewRPCClient parses rawURL (which may embed user:pass@ credentials) and
// returns a client with a 10s default call timeout.
func NewRPCClient(rawURL string, timeout time.Duration) (*RPCClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse node rpc url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        u,
	}, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	reqBody := rpcRequest{JSONRPC: "1.0", ID: "stratumd", Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.url.User != nil {
		pass, _ := c.url.User.Password()
		httpReq.SetBasicAuth(c.url.User.Username(), pass)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var rresp rpcResponse
	if err := json.Unmarshal(body, &rresp); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode rpc response: %w", err)}
	}
	if rresp.Error != nil {
		return nil, &ProtocolError{Code: rresp.Error.Code, Message: rresp.Error.Message}
	}
	return rresp.Result, nil
}

type templateResult struct {
	Version                  uint32        `json:"version"`
	PreviousBlockHash        string        `json:"previousblockhash"`
	Bits                     string        `json:"bits"`
	CurTime                  uint32        `json:"curtime"`
	Height                   int64         `json:"height"`
	CoinbaseValue            int64         `json:"coinbasevalue"`
	Transactions             []Transaction `json:"transactions"`
	DefaultWitnessCommitment string        `json:"default_witness_commitment"`
}

// Next calls getblocktemplate with the segwit rule and returns the resulting
// snapshot.
func (c *RPCClient) Next(ctx context.Context) (*Template, error) {
	raw, err := c.call(ctx, "getblocktemplate", []interface{}{map[string]interface{}{
		"rules": []string{"segwit"},
	}})
	if err != nil {
		return nil, err
	}
	var tr templateResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode getblocktemplate result: %w", err)}
	}
	return &Template{
		Version:                  tr.Version,
		PreviousBlockHash:        tr.PreviousBlockHash,
		Bits:                     tr.Bits,
		CurTime:                  tr.CurTime,
		Height:                   tr.Height,
		CoinbaseValue:            tr.CoinbaseValue,
		Transactions:             tr.Transactions,
		DefaultWitnessCommitment: tr.DefaultWitnessCommitment,
	}, nil
}

// SubmitBlock posts the assembled block hex via submitblock. A nil return
// means the node accepted the block; a *BlockRejectedError means the call
// succeeded but the node rejected the block itself.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	raw, err := c.call(ctx, "submitblock", []interface{}{blockHex})
	if err != nil {
		return err
	}
	var result *string
	if err := json.Unmarshal(raw, &result); err != nil {
		return &TransportError{Err: fmt.Errorf("decode submitblock result: %w", err)}
	}
	if result != nil && *result != "" {
		return &BlockRejectedError{Reason: *result}
	}
	return nil
}
