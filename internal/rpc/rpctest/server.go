package rpctest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"xmrgate/internal/rpc"
)

const (
	testRealm = "monero-rpc"
	testNonce = "dcd98b7102dd2f0e8b11d0f600bfb0c093"
)

// NewServer serves chain as monerod would. A non-empty username enables
// digest authentication.
func NewServer(chain *Chain, username, password string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /json_rpc", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		var rpcErr error
		switch req.Method {
		case "get_block_count":
			h, err := chain.Height(r.Context())
			rpcErr = err
			result = map[string]any{"count": h + 1, "status": "OK"}
		case "get_block":
			var p struct {
				Height uint64 `json:"height"`
			}
			json.Unmarshal(req.Params, &p)
			b, err := chain.Block(r.Context(), p.Height)
			rpcErr = err
			if err == nil {
				result = map[string]any{
					"block_header": map[string]any{"hash": b.Hash, "prev_hash": b.PrevHash, "height": b.Height},
					"tx_hashes":    b.TxHashes,
					"status":       "OK",
				}
			}
		default:
			rpcErr = fmt.Errorf("Method not found")
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]any{"code": -32601, "message": rpcErr.Error()}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /get_transactions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hashes []string `json:"txs_hashes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		txs, err := chain.Transactions(r.Context(), req.Hashes)
		if err != nil {
			json.NewEncoder(w).Encode(map[string]any{"status": "Failed", "missed_tx": req.Hashes})
			return
		}
		var entries []map[string]any
		for _, tx := range txs {
			asJSON, ok := chain.rawTx(tx.Hash)
			if !ok {
				b, err := rpc.EncodeTransaction(tx)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				asJSON = string(b)
			}
			entries = append(entries, map[string]any{
				"tx_hash":      tx.Hash,
				"as_json":      asJSON,
				"block_height": tx.Height,
				"in_pool":      false,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"txs": entries, "status": "OK"})
	})

	var handler http.Handler = mux
	if username != "" {
		handler = requireDigest(username, password, mux)
	}
	return httptest.NewServer(handler)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func requireDigest(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := map[string]string{}
		if h, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Digest "); ok {
			for _, part := range strings.Split(h, ",") {
				k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
				params[k] = strings.Trim(v, `"`)
			}
		}

		ha1 := md5hex(username + ":" + testRealm + ":" + password)
		ha2 := md5hex(r.Method + ":" + params["uri"])
		want := md5hex(strings.Join([]string{ha1, testNonce, params["nc"], params["cnonce"], "auth", ha2}, ":"))
		if params["username"] != username || params["response"] != want {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest qop="auth", algorithm=MD5, realm="%s", nonce="%s"`, testRealm, testNonce))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
