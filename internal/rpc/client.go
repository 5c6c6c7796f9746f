package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"xmrgate/internal/logging"
	"xmrgate/internal/xmr"
)

// monerod refuses larger get_transactions batches in restricted mode.
const maxTxsPerRequest = 100

// Config holds connection settings for a monerod instance.
type Config struct {
	URL      string
	Username string
	Password string
	// Timeout bounds every individual call.
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// Client implements Daemon against monerod's JSON and JSON-RPC endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
}

// NewClient creates a monerod client. It does not contact the daemon.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("daemon URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Username != "" {
		// monerod's --rpc-login uses RFC 2617 digest auth.
		transport = &digest.Transport{Username: cfg.Username, Password: cfg.Password, Transport: transport}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		limiter:    limiter,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	var resp jsonRPCResponse
	err := c.post(ctx, "/json_rpc", jsonRPCRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params}, &resp)
	if err != nil {
		return &Error{Method: method, Err: err}
	}
	if resp.Error != nil {
		return &Error{Method: method, Err: fmt.Errorf("code %d: %s", resp.Error.Code, resp.Error.Message)}
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return &Error{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func checkStatus(method, status string) error {
	if status != "" && status != "OK" {
		return &Error{Method: method, Err: fmt.Errorf("status %q", status)}
	}
	return nil
}

// Height returns the tip height, one less than the block count.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	var res struct {
		Count  uint64 `json:"count"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, "get_block_count", nil, &res); err != nil {
		return 0, err
	}
	if err := checkStatus("get_block_count", res.Status); err != nil {
		return 0, err
	}
	if res.Count == 0 {
		return 0, &Error{Method: "get_block_count", Err: errors.New("empty chain")}
	}
	return res.Count - 1, nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Height(ctx)
	return err
}

func (c *Client) Block(ctx context.Context, height uint64) (*Block, error) {
	var res struct {
		BlockHeader struct {
			Hash     string `json:"hash"`
			PrevHash string `json:"prev_hash"`
			Height   uint64 `json:"height"`
		} `json:"block_header"`
		TxHashes []string `json:"tx_hashes"`
		Status   string   `json:"status"`
	}
	if err := c.call(ctx, "get_block", map[string]uint64{"height": height}, &res); err != nil {
		return nil, err
	}
	if err := checkStatus("get_block", res.Status); err != nil {
		return nil, err
	}
	if res.BlockHeader.Height != height {
		return nil, &Error{Method: "get_block", Err: fmt.Errorf("asked for height %d, got %d", height, res.BlockHeader.Height)}
	}
	return &Block{
		Height:   height,
		Hash:     res.BlockHeader.Hash,
		PrevHash: res.BlockHeader.PrevHash,
		TxHashes: res.TxHashes,
	}, nil
}

func (c *Client) Transactions(ctx context.Context, hashes []string) ([]*xmr.Transaction, error) {
	out := make([]*xmr.Transaction, 0, len(hashes))
	for start := 0; start < len(hashes); start += maxTxsPerRequest {
		end := min(start+maxTxsPerRequest, len(hashes))
		txs, err := c.transactions(ctx, hashes[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, txs...)
	}
	return out, nil
}

type getTransactionsResponse struct {
	Txs []struct {
		TxHash      string `json:"tx_hash"`
		AsJSON      string `json:"as_json"`
		BlockHeight uint64 `json:"block_height"`
		InPool      bool   `json:"in_pool"`
	} `json:"txs"`
	MissedTx []string `json:"missed_tx"`
	Status   string   `json:"status"`
}

func (c *Client) transactions(ctx context.Context, hashes []string) ([]*xmr.Transaction, error) {
	const method = "get_transactions"
	req := map[string]any{"txs_hashes": hashes, "decode_as_json": true}

	var res getTransactionsResponse
	if err := c.post(ctx, "/get_transactions", req, &res); err != nil {
		return nil, &Error{Method: method, Err: err}
	}
	if err := checkStatus(method, res.Status); err != nil {
		return nil, err
	}
	if len(res.MissedTx) > 0 {
		return nil, &Error{Method: method, Err: fmt.Errorf("daemon is missing %d transactions", len(res.MissedTx))}
	}

	byHash := make(map[string]*xmr.Transaction, len(res.Txs))
	for _, raw := range res.Txs {
		tx, errs := DecodeTransaction(raw.TxHash, []byte(raw.AsJSON))
		tx.Height = raw.BlockHeight
		for _, err := range errs {
			logging.RPC.WithError(err).WithFields(log.Fields{
				"tx":     raw.TxHash,
				"height": raw.BlockHeight,
			}).Warn("skipping undecodable transaction data")
		}
		byHash[raw.TxHash] = tx
	}

	out := make([]*xmr.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := byHash[h]
		if !ok {
			return nil, &Error{Method: method, Err: fmt.Errorf("transaction %s not returned", h)}
		}
		out = append(out, tx)
	}
	logging.RPC.WithField("count", len(out)).Debug("fetched transactions")
	return out, nil
}
