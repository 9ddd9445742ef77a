package validation

import (
	"fmt"
	"reflect"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with the decimal type adapter and the
// struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// decimal.Decimal is a struct; expose it as a float so gt/gte/lt work on it.
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	// the order total must equal unit price times quantity, to the cent
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.InexactFloat64()
	}
	return nil
}

func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	total := req.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2)
	if !total.Equal(req.Amount.Round(2)) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_match_items", fmt.Sprintf("unit price x quantity %s != amount %s", total.StringFixed(2), req.Amount.StringFixed(2)))
	}
}
