package rest

import (
	"context"
	"encoding/json"

	"marketstream/internal/envelope"
	"marketstream/internal/errs"
)

// OrderRequest carries the parameters for a signed order placement.
// Grounded on internal/binance/client.go's OrderResponse-adjacent request
// shape; trimmed to the fields spec.md §4.3 actually names.
type OrderRequest struct {
	Symbol   string
	Side     string // BUY | SELL
	Type     string // LIMIT | MARKET | ...
	Quantity string
	Price    string // required for LIMIT orders
}

// OrderResponse mirrors Binance Futures' order acknowledgement shape.
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
}

func (g *Gateway) orderParams(o OrderRequest) *Params {
	p := NewParams().
		Add("symbol", normalizeSymbol(o.Symbol)).
		Add("side", o.Side).
		Add("type", o.Type).
		Add("quantity", o.Quantity)
	if o.Price != "" {
		p.Add("price", o.Price)
	}
	return p
}

// PlaceOrder submits a signed order. Failures are wrapped as
// OrderExecutionError, carrying the order parameters for diagnosis, per
// spec.md §7's taxonomy.
func (g *Gateway) PlaceOrder(ctx context.Context, o OrderRequest) envelope.Result[OrderResponse] {
	ts := g.clock.Now()
	body, err := g.signedPost(ctx, "/fapi/v1/order", g.orderParams(o))
	if err != nil {
		wrapped := errs.OrderExecution("placing order", orderContext(o), err)
		return envelope.Fail[OrderResponse](wrapped, envelope.SourceREST, ts)
	}
	var resp OrderResponse
	if uErr := json.Unmarshal(body, &resp); uErr != nil {
		return envelope.Fail[OrderResponse](errs.OrderExecution("parsing order response", orderContext(o), uErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(resp, envelope.SourceREST, ts)
}

func orderContext(o OrderRequest) map[string]any {
	return map[string]any{"symbol": o.Symbol, "side": o.Side, "type": o.Type, "quantity": o.Quantity}
}

// CancelOrder cancels an order by orderID.
func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) envelope.Result[OrderResponse] {
	ts := g.clock.Now()
	p := NewParams().Add("symbol", normalizeSymbol(symbol)).Add("orderId", orderID)
	body, err := g.signedDelete(ctx, "/fapi/v1/order", p)
	if err != nil {
		return envelope.Fail[OrderResponse](errs.OrderExecution("cancelling order", map[string]any{"symbol": symbol, "orderId": orderID}, err), envelope.SourceREST, ts)
	}
	var resp OrderResponse
	if uErr := json.Unmarshal(body, &resp); uErr != nil {
		return envelope.Fail[OrderResponse](errs.Wrap(errs.KindAPI, "parsing cancel response", uErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(resp, envelope.SourceREST, ts)
}

// GetOrderStatus fetches a single order's current status.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol string, orderID int64) envelope.Result[OrderResponse] {
	ts := g.clock.Now()
	p := NewParams().Add("symbol", normalizeSymbol(symbol)).Add("orderId", orderID)
	body, err := g.signedGet(ctx, "/fapi/v1/order", p)
	if err != nil {
		return envelope.Fail[OrderResponse](asErrs(err), envelope.SourceREST, ts)
	}
	var resp OrderResponse
	if uErr := json.Unmarshal(body, &resp); uErr != nil {
		return envelope.Fail[OrderResponse](errs.Wrap(errs.KindAPI, "parsing order status", uErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(resp, envelope.SourceREST, ts)
}

// GetOpenOrders lists open orders, optionally filtered by symbol.
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) envelope.Result[[]OrderResponse] {
	ts := g.clock.Now()
	p := NewParams()
	if symbol != "" {
		p.Add("symbol", normalizeSymbol(symbol))
	}
	body, err := g.signedGet(ctx, "/fapi/v1/openOrders", p)
	if err != nil {
		return envelope.Fail[[]OrderResponse](asErrs(err), envelope.SourceREST, ts)
	}
	var resp []OrderResponse
	if uErr := json.Unmarshal(body, &resp); uErr != nil {
		return envelope.Fail[[]OrderResponse](errs.Wrap(errs.KindAPI, "parsing open orders", uErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(resp, envelope.SourceREST, ts)
}

// CancelAllOpenOrders cancels every open order for symbol.
func (g *Gateway) CancelAllOpenOrders(ctx context.Context, symbol string) envelope.Result[bool] {
	ts := g.clock.Now()
	p := NewParams().Add("symbol", normalizeSymbol(symbol))
	_, err := g.signedDelete(ctx, "/fapi/v1/allOpenOrders", p)
	if err != nil {
		return envelope.Fail[bool](errs.OrderExecution("cancelling all orders", map[string]any{"symbol": symbol}, err), envelope.SourceREST, ts)
	}
	return envelope.Ok(true, envelope.SourceREST, ts)
}

// GetPositionRisk fetches position risk entries, raw (shape left to the
// caller: position management is an out-of-scope collaborator concern per
// spec.md §1, this operation exists only to complete the REST Gateway's
// public surface named in spec.md §4.3).
func (g *Gateway) GetPositionRisk(ctx context.Context, symbol string) envelope.Result[json.RawMessage] {
	return g.rawSignedGet(ctx, "/fapi/v2/positionRisk", NewParams().Add("symbol", normalizeSymbol(symbol)))
}

func (g *Gateway) GetAccountInfo(ctx context.Context) envelope.Result[json.RawMessage] {
	return g.rawSignedGet(ctx, "/fapi/v2/account", NewParams())
}

func (g *Gateway) GetExchangeInfo(ctx context.Context) envelope.Result[json.RawMessage] {
	ts := g.clock.Now()
	body, err := g.get(ctx, "/fapi/v1/exchangeInfo", NewParams())
	if err != nil {
		return envelope.Fail[json.RawMessage](asErrs(err), envelope.SourceREST, ts)
	}
	return envelope.Ok(json.RawMessage(body), envelope.SourceREST, ts)
}

func (g *Gateway) ChangeLeverage(ctx context.Context, symbol string, leverage int) envelope.Result[json.RawMessage] {
	ts := g.clock.Now()
	body, err := g.signedPost(ctx, "/fapi/v1/leverage", NewParams().Add("symbol", normalizeSymbol(symbol)).Add("leverage", leverage))
	if err != nil {
		return envelope.Fail[json.RawMessage](asErrs(err), envelope.SourceREST, ts)
	}
	return envelope.Ok(json.RawMessage(body), envelope.SourceREST, ts)
}

func (g *Gateway) ChangeMarginType(ctx context.Context, symbol, marginType string) envelope.Result[json.RawMessage] {
	ts := g.clock.Now()
	body, err := g.signedPost(ctx, "/fapi/v1/marginType", NewParams().Add("symbol", normalizeSymbol(symbol)).Add("marginType", marginType))
	if err != nil {
		return envelope.Fail[json.RawMessage](asErrs(err), envelope.SourceREST, ts)
	}
	return envelope.Ok(json.RawMessage(body), envelope.SourceREST, ts)
}

// ServerTime returns the exchange's current time in milliseconds.
// RefreshServerTimeOffset queries the same endpoint on its own rather than
// calling this method.
func (g *Gateway) ServerTime(ctx context.Context) envelope.Result[int64] {
	ts := g.clock.Now()
	body, err := g.get(ctx, "/fapi/v1/time", NewParams())
	if err != nil {
		return envelope.Fail[int64](asErrs(err), envelope.SourceREST, ts)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if uErr := json.Unmarshal(body, &out); uErr != nil {
		return envelope.Fail[int64](errs.Wrap(errs.KindAPI, "parsing serverTime", uErr), envelope.SourceREST, ts)
	}
	return envelope.Ok(out.ServerTime, envelope.SourceREST, ts)
}

func (g *Gateway) rawSignedGet(ctx context.Context, endpoint string, p *Params) envelope.Result[json.RawMessage] {
	ts := g.clock.Now()
	body, err := g.signedGet(ctx, endpoint, p)
	if err != nil {
		return envelope.Fail[json.RawMessage](asErrs(err), envelope.SourceREST, ts)
	}
	return envelope.Ok(json.RawMessage(body), envelope.SourceREST, ts)
}
