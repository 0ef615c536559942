package exchange

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// field is one key of an orderedMap.
type field struct {
	key   string
	value any
}

// orderedMap encodes as a msgpack map with keys in slice order and integers
// in their compact form. The action hash is computed over these bytes, so
// both must match the venue's reference encoder.
type orderedMap []field

func (m orderedMap) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for _, f := range m {
		if err := enc.EncodeString(f.key); err != nil {
			return err
		}
		if err := encodeValue(enc, f.value); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(enc *msgpack.Encoder, v any) error {
	switch val := v.(type) {
	case string:
		return enc.EncodeString(val)
	case bool:
		return enc.EncodeBool(val)
	case int:
		return enc.EncodeInt(int64(val))
	case int64:
		return enc.EncodeInt(val)
	case orderedMap:
		return val.EncodeMsgpack(enc)
	case []orderedMap:
		if err := enc.EncodeArrayLen(len(val)); err != nil {
			return err
		}
		for _, item := range val {
			if err := item.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	default:
		return enc.Encode(val)
	}
}

func (o OrderWire) ordered() (orderedMap, error) {
	if o.OrderType.Limit == nil {
		return nil, errors.New("limit order type required")
	}
	m := orderedMap{
		{"a", o.Asset},
		{"b", o.IsBuy},
		{"p", o.Price},
		{"s", o.Size},
		{"r", o.ReduceOnly},
		{"t", orderedMap{{"limit", orderedMap{{"tif", string(o.OrderType.Limit.Tif)}}}}},
	}
	if o.Cloid != "" {
		m = append(m, field{"c", o.Cloid})
	}
	return m, nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	orders := make([]orderedMap, 0, len(action.Orders))
	for _, o := range action.Orders {
		m, err := o.ordered()
		if err != nil {
			return nil, err
		}
		orders = append(orders, m)
	}
	return msgpack.Marshal(orderedMap{
		{"type", action.Type},
		{"orders", orders},
		{"grouping", action.Grouping},
	})
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	cancels := make([]orderedMap, 0, len(action.Cancels))
	for _, c := range action.Cancels {
		cancels = append(cancels, orderedMap{{"a", c.Asset}, {"o", c.OrderID}})
	}
	return msgpack.Marshal(orderedMap{{"type", action.Type}, {"cancels", cancels}})
}

func EncodeCancelByCloidAction(action CancelByCloidAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	cancels := make([]orderedMap, 0, len(action.Cancels))
	for _, c := range action.Cancels {
		if c.Cloid == "" {
			return nil, errors.New("cloid is required")
		}
		cancels = append(cancels, orderedMap{{"asset", c.Asset}, {"cloid", c.Cloid}})
	}
	return msgpack.Marshal(orderedMap{{"type", action.Type}, {"cancels", cancels}})
}
