// Package ordersapi is the typed HTTP client for the orders API:
// POST /api/v1/orders submits a discrete order, GET /api/v1/orders/{uid}
// is used for shadow-mode existence checks. It is a thin DTO + transport
// layer; the submission gate (package submission) owns the status-code and
// errorType classification into scheduling outcomes.
package ordersapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cowprotocol/watchtower/types"
)

// OrderRequest is the POST /api/v1/orders body. Numeric fields
// are decimal strings, matching the CoW Protocol orders API's JSON schema.
type OrderRequest struct {
	SellToken         string              `json:"sellToken"`
	BuyToken          string              `json:"buyToken"`
	Receiver          string              `json:"receiver"`
	SellAmount        string              `json:"sellAmount"`
	BuyAmount         string              `json:"buyAmount"`
	ValidTo           uint32              `json:"validTo"`
	AppData           string              `json:"appData"`
	FeeAmount         string              `json:"feeAmount"`
	Kind              types.OrderKind     `json:"kind"`
	PartiallyFillable bool                `json:"partiallyFillable"`
	SellTokenBalance  types.TokenBalance  `json:"sellTokenBalance"`
	BuyTokenBalance   types.TokenBalance  `json:"buyTokenBalance"`
	SigningScheme     string              `json:"signingScheme"`
	Signature         string              `json:"signature"`
	From              string              `json:"from"`
}

// ErrorResponse is the API's JSON error envelope on non-2xx responses. Not
// every status code carries an errorType (403/429 bodies are often empty or
// unstructured), so the field is best-effort.
type ErrorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

// Response wraps the raw outcome of a POST so the submission gate can
// classify it without the client needing to know the scheduling rules.
type Response struct {
	StatusCode int
	UID        string        // on 2xx, the orders API returns the created order's UID as a quoted JSON string
	APIError   ErrorResponse // populated on non-2xx when the body parses as ErrorResponse
	Body       []byte
}

// Client posts discrete orders to the orders API over plain net/http,
// generalizing the pack's REST-client idiom (construct a *http.Client,
// marshal the body, classify by status code) to this API's envelope.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// PostOrder submits req and returns the classified Response. Network/
// transport errors (DNS, connection refused, timeout) are returned as err;
// any response the server actually sent back, including non-2xx, comes back
// as a Response with no error so the caller can classify it.
func (c *Client) PostOrder(ctx context.Context, req OrderRequest) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: post order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: read response: %w", err)
	}

	out := Response{StatusCode: resp.StatusCode, Body: respBody}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var uid string
		if json.Unmarshal(respBody, &uid) == nil {
			out.UID = uid
		}
		return out, nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(respBody, &apiErr) // best-effort; some error bodies don't carry errorType
	out.APIError = apiErr
	return out, nil
}

// GetOrder fetches an existing order by uid (shadow-mode existence
// checks). Optional: callers may use this ahead of PostOrder to avoid a
// duplicate submission round trip, though the submission gate's dedup and
// DUPLICATED_ORDER handling makes it safe to skip.
func (c *Client) GetOrder(ctx context.Context, uid types.OrderUid) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/orders/"+uid.Hex(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: get order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("ordersapi: read response: %w", err)
	}

	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
