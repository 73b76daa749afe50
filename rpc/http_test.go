package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"workledger/core"
	"workledger/crypto"
	"workledger/native/dispute"
	"workledger/storage"
)

const testToken = "test-rpc-token"

func newTestServer(t *testing.T, opts ServerOptions) (*Server, *core.Node) {
	t.Helper()
	t.Setenv("WORKLEDGER_RPC_TOKEN", testToken)
	node, err := core.NewNode(storage.NewMemDB(), core.Options{Entropy: dispute.FixedSource{}})
	require.NoError(t, err)
	return NewServer(node, opts), node
}

func bech32Of(t *testing.T, addr [20]byte) string {
	t.Helper()
	return crypto.MustNewAddress(crypto.WorkPrefix, addr[:]).String()
}

func rpcCall(t *testing.T, s *Server, body string, authorized bool) RPCResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAuthRequiredForMutations(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{})
	body := `{"jsonrpc":"2.0","id":1,"method":"escrow_fund","params":[{"id":"00","caller":"x"}]}`

	resp := rpcCall(t, server, body, false)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	server.handle(rec, req)
	var wrongTokenResp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wrongTokenResp))
	require.NotNil(t, wrongTokenResp.Error)
	require.Equal(t, codeUnauthorized, wrongTokenResp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{})
	resp := rpcCall(t, server, `{"jsonrpc":"2.0","id":1,"method":"escrow_unknown"}`, true)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestMalformedRequests(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{})

	resp := rpcCall(t, server, `{not json`, true)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	resp = rpcCall(t, server, `   `, true)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	resp = rpcCall(t, server, `{"jsonrpc":"1.0","id":1,"method":"ledger_getEvents"}`, true)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{MaxRequestBytes: 64})
	padded := `{"jsonrpc":"2.0","id":1,"method":"ledger_getEvents","params":["` + strings.Repeat("a", 256) + `"]}`
	resp := rpcCall(t, server, padded, true)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestRateLimitPerSource(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{RatePerSecond: 1})
	body := `{"jsonrpc":"2.0","id":1,"method":"ledger_getEvents"}`

	first := rpcCall(t, server, body, true)
	require.Nil(t, first.Error)
	second := rpcCall(t, server, body, true)
	require.NotNil(t, second.Error)
	require.Equal(t, codeRateLimited, second.Error.Code)
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	server, node := newTestServer(t, ServerOptions{})

	clientKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	freelancerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	client := clientKey.PubKey().RawAddress()
	freelancer := freelancerKey.PubKey().RawAddress()
	require.NoError(t, node.Credit(client, big.NewInt(1_000)))

	createBody := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"escrow_createProject","params":[{
		"client":%q,"freelancer":%q,"budget":"1000",
		"milestones":[
			{"description":"design","amount":"400","deadline":1700100000},
			{"description":"build","amount":"600","deadline":1700200000}
		]}]}`, bech32Of(t, client), bech32Of(t, freelancer))

	resp := rpcCall(t, server, createBody, true)
	require.Nil(t, resp.Error)
	created, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	projectID, _ := created["id"].(string)
	require.NotEmpty(t, projectID)
	require.Equal(t, "created", created["status"])

	fundBody := fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"escrow_fund","params":[{"id":%q,"caller":%q}]}`,
		projectID, bech32Of(t, client))
	resp = rpcCall(t, server, fundBody, true)
	require.Nil(t, resp.Error)

	getBody := fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"escrow_getProject","params":[{"id":%q}]}`, projectID)
	resp = rpcCall(t, server, getBody, false)
	require.Nil(t, resp.Error)
	loaded, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "funded", loaded["status"])

	balanceBody := fmt.Sprintf(`{"jsonrpc":"2.0","id":4,"method":"ledger_getBalance","params":[{"address":%q}]}`,
		bech32Of(t, client))
	resp = rpcCall(t, server, balanceBody, false)
	require.Nil(t, resp.Error)
	balance, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "0", balance["balanceWRK"])
}

func TestEscrowErrorMapping(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{})

	missing := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"escrow_getProject","params":[{"id":%q}]}`,
		strings.Repeat("00", 32))
	resp := rpcCall(t, server, missing, false)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeEscrowNotFound, resp.Error.Code)

	badAddress := `{"jsonrpc":"2.0","id":2,"method":"ledger_getBalance","params":[{"address":"not-bech32"}]}`
	resp = rpcCall(t, server, badAddress, false)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestOracleRateRoundTrip(t *testing.T) {
	server, _ := newTestServer(t, ServerOptions{})

	setBody := `{"jsonrpc":"2.0","id":1,"method":"oracle_setRate","params":[{"symbol":"WRK-USD","rate":"1.25"}]}`
	resp := rpcCall(t, server, setBody, true)
	require.Nil(t, resp.Error)

	getBody := `{"jsonrpc":"2.0","id":2,"method":"oracle_getRate","params":[{"symbol":"wrk-usd"}]}`
	resp = rpcCall(t, server, getBody, false)
	require.Nil(t, resp.Error)
	quote, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "1.25000000", quote["rate"])
}

func TestDisputeValidatorRegistration(t *testing.T) {
	server, node := newTestServer(t, ServerOptions{})
	validatorKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	validator := validatorKey.PubKey().RawAddress()
	require.NoError(t, node.GrantRole(dispute.RoleArbiter, validator))

	registerBody := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"dispute_registerValidator","params":[{"validator":%q}]}`,
		bech32Of(t, validator))
	resp := rpcCall(t, server, registerBody, true)
	require.Nil(t, resp.Error)

	listBody := `{"jsonrpc":"2.0","id":2,"method":"dispute_listValidators"}`
	resp = rpcCall(t, server, listBody, false)
	require.Nil(t, resp.Error)
	validators, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, validators, 1)
	require.Equal(t, bech32Of(t, validator), validators[0])
}
