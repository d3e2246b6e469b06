package types

import (
	"encoding/json"
	"fmt"

	watchtower "github.com/cowprotocol/watchtower"
)

// pollResultJSON is the tagged on-disk shape of the PollResult sum type. The
// kind string is the single source of truth for variant identity; field
// presence follows the variant. UnexpectedError persists its reason only,
// since the wrapped cause is not serializable.
type pollResultJSON struct {
	Kind        string         `json:"kind"`
	Reason      string         `json:"reason,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	Epoch       uint64         `json:"epoch,omitempty"`
	Order       *DiscreteOrder `json:"order,omitempty"`
	Signature   []byte         `json:"signature,omitempty"`
}

const (
	pollResultKindSuccess         = "success"
	pollResultKindTryNextBlock    = "tryNextBlock"
	pollResultKindTryOnBlock      = "tryOnBlock"
	pollResultKindTryAtEpoch      = "tryAtEpoch"
	pollResultKindDontTryAgain    = "dontTryAgain"
	pollResultKindUnexpectedError = "unexpectedError"
)

func pollResultToJSON(r PollResult) (*pollResultJSON, error) {
	if r == nil {
		return nil, nil
	}
	switch v := r.(type) {
	case Success:
		order := v.Order
		return &pollResultJSON{Kind: pollResultKindSuccess, Order: &order, Signature: v.Signature}, nil
	case TryNextBlock:
		return &pollResultJSON{Kind: pollResultKindTryNextBlock, Reason: v.Reason}, nil
	case TryOnBlock:
		return &pollResultJSON{Kind: pollResultKindTryOnBlock, BlockNumber: v.BlockNumber, Reason: v.Reason}, nil
	case TryAtEpoch:
		return &pollResultJSON{Kind: pollResultKindTryAtEpoch, Epoch: v.Epoch, Reason: v.Reason}, nil
	case DontTryAgain:
		return &pollResultJSON{Kind: pollResultKindDontTryAgain, Reason: v.Reason}, nil
	case UnexpectedError:
		return &pollResultJSON{Kind: pollResultKindUnexpectedError, Reason: v.Reason}, nil
	default:
		return nil, fmt.Errorf("types: unknown poll result variant %T", r)
	}
}

func pollResultFromJSON(j *pollResultJSON) (PollResult, error) {
	if j == nil {
		return nil, nil
	}
	switch j.Kind {
	case pollResultKindSuccess:
		var order DiscreteOrder
		if j.Order != nil {
			order = *j.Order
		}
		return Success{Order: order, Signature: j.Signature}, nil
	case pollResultKindTryNextBlock:
		return TryNextBlock{Reason: j.Reason}, nil
	case pollResultKindTryOnBlock:
		return TryOnBlock{BlockNumber: j.BlockNumber, Reason: j.Reason}, nil
	case pollResultKindTryAtEpoch:
		return TryAtEpoch{Epoch: j.Epoch, Reason: j.Reason}, nil
	case pollResultKindDontTryAgain:
		return DontTryAgain{Reason: j.Reason}, nil
	case pollResultKindUnexpectedError:
		return UnexpectedError{Reason: j.Reason}, nil
	default:
		return nil, fmt.Errorf("types: unknown poll result kind %q", j.Kind)
	}
}

type conditionalOrderJSON struct {
	Id            OrderId                  `json:"id"`
	Tx            watchtower.Hash          `json:"tx"`
	Params        ConditionalOrderParams   `json:"params"`
	Proof         *Proof                   `json:"proof,omitempty"`
	ComposableCow watchtower.Address       `json:"composableCow"`
	Orders        map[OrderUid]OrderStatus `json:"orders"`
	PollResult    *pollResultJSON          `json:"pollResult,omitempty"`
}

func (c ConditionalOrder) MarshalJSON() ([]byte, error) {
	pr, err := pollResultToJSON(c.PollResult)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionalOrderJSON{
		Id:            c.Id,
		Tx:            c.Tx,
		Params:        c.Params,
		Proof:         c.Proof,
		ComposableCow: c.ComposableCow,
		Orders:        c.Orders,
		PollResult:    pr,
	})
}

func (c *ConditionalOrder) UnmarshalJSON(data []byte) error {
	var j conditionalOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	pr, err := pollResultFromJSON(j.PollResult)
	if err != nil {
		return err
	}
	c.Id = j.Id
	c.Tx = j.Tx
	c.Params = j.Params
	c.Proof = j.Proof
	c.ComposableCow = j.ComposableCow
	c.Orders = j.Orders
	c.PollResult = pr
	return nil
}
