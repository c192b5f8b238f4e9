// Package neo implements ledger.Contract against a deployed Neo N3 contract
// through a node's JSON-RPC interface.
package neo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"agrimarket/internal/ledger"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultWaitTimeout  = 2 * time.Minute
)

type Config struct {
	RPCURL       string
	ContractHash string
	// Signer is the platform account that signs every write.
	Signer       string
	PollInterval time.Duration
	WaitTimeout  time.Duration
	Timeout      time.Duration
}

type Contract struct {
	client       *rpcClient
	hash         string
	signer       string
	pollInterval time.Duration
	waitTimeout  time.Duration
	seq          atomic.Uint64
}

type param struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

func NewContract(cfg Config) (*Contract, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	hash, err := util.Uint160DecodeStringLE(strings.TrimPrefix(cfg.ContractHash, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse contract hash: %w", err)
	}
	signerHash, err := address.StringToUint160(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("parse signer address: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Contract{
		client:       &rpcClient{url: cfg.RPCURL, httpClient: &http.Client{Timeout: timeout}},
		hash:         "0x" + hash.StringLE(),
		signer:       "0x" + signerHash.StringLE(),
		pollInterval: cfg.PollInterval,
		waitTimeout:  cfg.WaitTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.waitTimeout <= 0 {
		c.waitTimeout = defaultWaitTimeout
	}
	return c, nil
}

func (c *Contract) RegisterFarmer(ctx context.Context, addr, name string) (ledger.Receipt, error) {
	account, err := hash160(addr)
	if err != nil {
		return ledger.Receipt{}, err
	}
	_, receipt, err := c.write(ctx, "registerFarmer", account, str(name))
	return receipt, err
}

func (c *Contract) ListProduct(ctx context.Context, farmer, name string, price, stock int64) (int64, ledger.Receipt, error) {
	account, err := hash160(farmer)
	if err != nil {
		return 0, ledger.Receipt{}, err
	}
	result, receipt, err := c.write(ctx, "listProduct", account, str(name), integer(price), integer(stock))
	if err != nil {
		return 0, ledger.Receipt{}, err
	}
	id := result.Get("value").Int()
	if id <= 0 {
		return 0, receipt, fmt.Errorf("listProduct returned product id %q", result.Get("value").String())
	}
	return id, receipt, nil
}

func (c *Contract) UpdateStock(ctx context.Context, farmer string, productID, stock int64) (ledger.Receipt, error) {
	account, err := hash160(farmer)
	if err != nil {
		return ledger.Receipt{}, err
	}
	_, receipt, err := c.write(ctx, "updateStock", account, integer(productID), integer(stock))
	return receipt, err
}

func (c *Contract) UpdatePrice(ctx context.Context, farmer string, productID, price int64) (ledger.Receipt, error) {
	account, err := hash160(farmer)
	if err != nil {
		return ledger.Receipt{}, err
	}
	_, receipt, err := c.write(ctx, "updatePrice", account, integer(productID), integer(price))
	return receipt, err
}

func (c *Contract) Purchase(ctx context.Context, buyer string, productID, quantity, amount int64) (ledger.Receipt, error) {
	account, err := hash160(buyer)
	if err != nil {
		return ledger.Receipt{}, err
	}
	_, receipt, err := c.write(ctx, "purchase", account, integer(productID), integer(quantity), integer(amount))
	return receipt, err
}

func (c *Contract) Withdraw(ctx context.Context, farmer string, amount int64) (ledger.Receipt, error) {
	account, err := hash160(farmer)
	if err != nil {
		return ledger.Receipt{}, err
	}
	_, receipt, err := c.write(ctx, "withdraw", account, integer(amount))
	return receipt, err
}

// Farmer reads [name, balance] for a registered farmer.
func (c *Contract) Farmer(ctx context.Context, addr string) (*ledger.FarmerAccount, error) {
	account, err := hash160(addr)
	if err != nil {
		return nil, err
	}
	item, err := c.read(ctx, "getFarmer", account)
	if err != nil {
		return nil, err
	}
	if item.Get("type").String() != "Array" {
		return nil, ledger.ErrFarmerNotFound
	}
	fields := item.Get("value").Array()
	if len(fields) < 2 {
		return nil, fmt.Errorf("getFarmer: unexpected stack %s", item.Raw)
	}
	return &ledger.FarmerAccount{
		Address: addr,
		Name:    byteString(fields[0]),
		Balance: fields[1].Get("value").Int(),
	}, nil
}

// Product reads [farmer, name, price, stock] for a listed product.
func (c *Contract) Product(ctx context.Context, id int64) (*ledger.Product, error) {
	item, err := c.read(ctx, "getProduct", integer(id))
	if err != nil {
		return nil, err
	}
	if item.Get("type").String() != "Array" {
		return nil, ledger.ErrProductNotFound
	}
	fields := item.Get("value").Array()
	if len(fields) < 4 {
		return nil, fmt.Errorf("getProduct: unexpected stack %s", item.Raw)
	}

	farmer := ""
	raw, err := base64.StdEncoding.DecodeString(fields[0].Get("value").String())
	if err == nil {
		if u, err := util.Uint160DecodeBytesLE(raw); err == nil {
			farmer = address.Uint160ToString(u)
		}
	}
	return &ledger.Product{
		ID:     id,
		Farmer: farmer,
		Name:   byteString(fields[1]),
		Price:  fields[2].Get("value").Int(),
		Stock:  fields[3].Get("value").Int(),
	}, nil
}

func (c *Contract) read(ctx context.Context, method string, params ...param) (gjson.Result, error) {
	raw, err := c.client.Call(ctx, "invokefunction", c.hash, method, params)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("invoke %s: %w", method, err)
	}
	res := gjson.ParseBytes(raw)
	if state := res.Get("state").String(); state != "HALT" {
		return gjson.Result{}, fault(method, res.Get("exception").String())
	}
	return res.Get("stack.0"), nil
}

// write test-invokes method with the platform signer, relays the signed
// transaction and waits for its application log.
func (c *Contract) write(ctx context.Context, method string, params ...param) (gjson.Result, ledger.Receipt, error) {
	signers := []signer{{Account: c.signer, Scopes: "CalledByEntry"}}
	raw, err := c.client.Call(ctx, "invokefunction", c.hash, method, params, signers)
	if err != nil {
		return gjson.Result{}, ledger.Receipt{}, fmt.Errorf("invoke %s: %w", method, err)
	}
	res := gjson.ParseBytes(raw)
	if state := res.Get("state").String(); state != "HALT" {
		return gjson.Result{}, ledger.Receipt{}, fault(method, res.Get("exception").String())
	}
	tx := res.Get("tx").String()
	if tx == "" {
		return gjson.Result{}, ledger.Receipt{}, fmt.Errorf("invoke %s: node returned no signed transaction", method)
	}

	txHash, err := c.client.SendRawTransaction(ctx, tx)
	if err != nil {
		return gjson.Result{}, ledger.Receipt{}, fmt.Errorf("send %s: %w", method, err)
	}

	wctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	log, err := c.client.WaitForApplicationLog(wctx, txHash, c.pollInterval)
	if err != nil {
		return gjson.Result{}, ledger.Receipt{}, fmt.Errorf("wait for %s execution: %w", method, err)
	}

	exec := gjson.GetBytes(log, "executions.0")
	if state := exec.Get("vmstate").String(); state != "HALT" {
		return gjson.Result{}, ledger.Receipt{}, fault(method, exec.Get("exception").String())
	}
	return exec.Get("stack.0"), ledger.Receipt{TxHash: txHash, Sequence: c.seq.Add(1)}, nil
}

var faults = []struct {
	needle string
	err    error
}{
	{"already registered", ledger.ErrFarmerExists},
	{"farmer not", ledger.ErrFarmerNotFound},
	{"product not", ledger.ErrProductNotFound},
	{"not owner", ledger.ErrNotOwner},
	{"out of stock", ledger.ErrOutOfStock},
	{"wrong amount", ledger.ErrWrongAmount},
	{"insufficient balance", ledger.ErrInsufficientBalance},
}

func fault(method, exception string) error {
	lower := strings.ToLower(exception)
	for _, f := range faults {
		if strings.Contains(lower, f.needle) {
			return fmt.Errorf("%s: %w", method, f.err)
		}
	}
	return fmt.Errorf("%s faulted: %s", method, exception)
}

func hash160(addr string) (param, error) {
	u, err := address.StringToUint160(addr)
	if err != nil {
		return param{}, fmt.Errorf("%w: address %q: %v", ledger.ErrInvalidArgument, addr, err)
	}
	return param{Type: "Hash160", Value: "0x" + u.StringLE()}, nil
}

func str(s string) param {
	return param{Type: "String", Value: s}
}

func integer(v int64) param {
	return param{Type: "Integer", Value: strconv.FormatInt(v, 10)}
}

func byteString(item gjson.Result) string {
	raw, err := base64.StdEncoding.DecodeString(item.Get("value").String())
	if err != nil {
		return ""
	}
	return string(raw)
}

var _ ledger.Contract = (*Contract)(nil)
