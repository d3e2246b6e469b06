// Package submission implements the Submission Gate: it
// posts a discrete order to the orders API exactly once per OrderUid and
// classifies the API's response into a scheduling PollResult, so that
// transient failures, duplicate submissions, and permanent rejections all
// feed back into the same per-block retry mechanism the poll engine drives.
package submission

import (
	"context"
	"fmt"
	"net/http"
	"time"

	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/ordersapi"
	"github.com/cowprotocol/watchtower/types"
)

// Metrics are optional counting hooks for submission outcomes.
type Metrics interface {
	OrderSubmitted(chain types.ChainId)
	OrderSubmitFailed(chain types.ChainId, errorType string)
}

type noopMetrics struct{}

func (noopMetrics) OrderSubmitted(types.ChainId)             {}
func (noopMetrics) OrderSubmitFailed(types.ChainId, string) {}

// apiClient is the narrow surface Gate needs from ordersapi.Client, kept as
// an interface so tests can stub API responses without an HTTP server.
type apiClient interface {
	PostOrder(ctx context.Context, req ordersapi.OrderRequest) (ordersapi.Response, error)
}

// Gate is the submission gate for one chain.
type Gate struct {
	client  apiClient
	chain   types.ChainId
	metrics Metrics
}

func New(client apiClient, chain types.ChainId, metrics Metrics) *Gate {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Gate{client: client, chain: chain, metrics: metrics}
}

// errorType literals from the orders API. Case
// preserved as the API emits it; classify does a case-sensitive switch since
// the API's envelope is a fixed, versioned enum, not free text.
const (
	errDuplicatedOrder          = "DuplicatedOrder"
	errInsufficientAllowance    = "InsufficientAllowance"
	errInsufficientBalance      = "InsufficientBalance"
	errTooManyLimitOrders       = "TooManyLimitOrders"
	errInvalidAppData           = "InvalidAppData"
	errQuoteNotFound            = "QuoteNotFound"
	errInvalidQuote             = "InvalidQuote"
	errInsufficientValidTo      = "InsufficientValidTo"
	errInvalidEip1271Signature  = "InvalidEip1271Signature"
	errSellAmountOverflow       = "SellAmountOverflow"
	errTransferSimFailed        = "TransferSimulationFailed"
	errZeroAmount               = "ZeroAmount"
	errUnsupportedBuyTokenDest  = "UnsupportedBuyTokenDestination"
	errTooMuchGas               = "TooMuchGas"
	errUnsupportedSellTokenSrc  = "UnsupportedSellTokenSource"
	errUnsupportedOrderType     = "UnsupportedOrderType"
	errExcessiveValidTo         = "ExcessiveValidTo"
	errInvalidNativeSellToken   = "InvalidNativeSellToken"
	errSameBuyAndSellToken      = "SameBuyAndSellToken"
	errUnsupportedToken         = "UnsupportedToken"
	errAppDataFromMismatch      = "AppDataFromMismatch"
)

var retryNextBlockErrors = map[string]bool{
	errQuoteNotFound:           true,
	errInvalidQuote:            true,
	errInsufficientValidTo:     true,
	errInvalidEip1271Signature: true,
}

var dontTryAgainErrors = map[string]bool{
	errSellAmountOverflow:      true,
	errTransferSimFailed:       true,
	errZeroAmount:              true,
	errUnsupportedBuyTokenDest: true,
	errTooMuchGas:              true,
	errUnsupportedSellTokenSrc: true,
	errUnsupportedOrderType:    true,
	errExcessiveValidTo:        true,
	errInvalidNativeSellToken:  true,
	errSameBuyAndSellToken:     true,
	errUnsupportedToken:        true,
	errAppDataFromMismatch:     true,
}

// Submit posts order/signature for uid and classifies the outcome into a
// PollResult by status code and errorType. It has no error return: a
// request construction or transport failure comes back as UnexpectedError,
// so the poll engine retries on the next block.
func (g *Gate) Submit(ctx context.Context, uid types.OrderUid, order types.DiscreteOrder, signature []byte, owner watchtower.Address, blockTimestamp uint64) types.PollResult {
	req := ordersapi.OrderRequest{
		SellToken:         order.SellToken.Hex(),
		BuyToken:          order.BuyToken.Hex(),
		Receiver:          order.Receiver.Hex(),
		SellAmount:        order.SellAmount.String(),
		BuyAmount:         order.BuyAmount.String(),
		ValidTo:           order.ValidTo,
		AppData:           order.AppData.Hex(),
		FeeAmount:         order.FeeAmount.String(),
		Kind:              order.Kind,
		PartiallyFillable: order.PartiallyFillable,
		SellTokenBalance:  order.SellTokenBalance,
		BuyTokenBalance:   order.BuyTokenBalance,
		SigningScheme:     types.SigningSchemeEip1271,
		Signature:         fmt.Sprintf("0x%x", signature),
		From:              owner.Hex(),
	}

	resp, err := g.client.PostOrder(ctx, req)
	if err != nil {
		// transport error: DNS, connection refused, timeout
		g.metrics.OrderSubmitFailed(g.chain, "transport")
		return types.UnexpectedError{Reason: "orders api transport error", Cause: err}
	}

	now := time.Unix(int64(blockTimestamp), 0).UTC()
	result := classify(resp, now)
	if _, ok := result.(types.Success); ok {
		g.metrics.OrderSubmitted(g.chain)
	} else {
		g.metrics.OrderSubmitFailed(g.chain, resp.APIError.ErrorType)
	}
	return result
}

func classify(resp ordersapi.Response, now time.Time) types.PollResult {
	status := resp.StatusCode
	errorType := resp.APIError.ErrorType

	switch {
	case status >= 200 && status < 300:
		return types.Success{}

	case status == http.StatusBadRequest && errorType == errDuplicatedOrder:
		// already posted; treat as success so we record it locally and never retry
		return types.Success{}

	case status == http.StatusBadRequest && (errorType == errInsufficientAllowance || errorType == errInsufficientBalance):
		return types.EpochFromNow(now, 10*time.Minute)

	case status == http.StatusBadRequest && errorType == errTooManyLimitOrders:
		return types.EpochFromNow(now, time.Hour)

	case status == http.StatusBadRequest && errorType == errInvalidAppData:
		return types.EpochFromNow(now, time.Minute)

	case status == http.StatusBadRequest && retryNextBlockErrors[errorType]:
		return types.TryNextBlock{Reason: fmt.Sprintf("orders api: %s", errorType)}

	case status == http.StatusBadRequest && dontTryAgainErrors[errorType]:
		return types.DontTryAgain{Reason: fmt.Sprintf("orders api: %s", errorType)}

	case status == http.StatusForbidden:
		return types.DontTryAgain{Reason: "orders api: deny-listed (403)"}

	case status == http.StatusNotFound:
		return types.EpochFromNow(now, 10*time.Minute)

	case status == http.StatusTooManyRequests:
		return types.EpochFromNow(now, 10*time.Minute)

	default:
		return types.UnexpectedError{Reason: fmt.Sprintf("orders api: unexpected status %d", status)}
	}
}
