package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type amountKind uint8

const (
	amountNone amountKind = iota
	amountDeduct
	amountTarget
)

// Amount is either an incremental deduction or an absolute target balance,
// never both.
type Amount struct {
	kind  amountKind
	value decimal.Decimal
}

func DeductAmount(v decimal.Decimal) Amount {
	return Amount{kind: amountDeduct, value: v}
}

func TargetBalance(v decimal.Decimal) Amount {
	return Amount{kind: amountTarget, value: v}
}

func (a Amount) IsZero() bool           { return a.kind == amountNone }
func (a Amount) IsTarget() bool         { return a.kind == amountTarget }
func (a Amount) Value() decimal.Decimal { return a.value }

func (a Amount) String() string {
	switch a.kind {
	case amountDeduct:
		return "deduct " + a.value.String()
	case amountTarget:
		return "target " + a.value.String()
	default:
		return "none"
	}
}

type amountJSON struct {
	AmountToDeduct *decimal.Decimal `json:"amount_to_deduct,omitempty"`
	TargetBalance  *decimal.Decimal `json:"target_balance,omitempty"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	var out amountJSON
	v := a.value
	switch a.kind {
	case amountDeduct:
		out.AmountToDeduct = &v
	case amountTarget:
		out.TargetBalance = &v
	}
	return json.Marshal(out)
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var in amountJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.AmountToDeduct != nil && in.TargetBalance != nil:
		return fmt.Errorf("%w: amount_to_deduct and target_balance are mutually exclusive", ErrInvalidRequest)
	case in.AmountToDeduct != nil:
		*a = DeductAmount(*in.AmountToDeduct)
	case in.TargetBalance != nil:
		*a = TargetBalance(*in.TargetBalance)
	default:
		*a = Amount{}
	}
	return nil
}
