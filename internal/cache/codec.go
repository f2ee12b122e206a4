package cache

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// Codec converts a cached value to and from its serialized form.
// Binary payloads are base64-encoded on the distributed tier.
type Codec interface {
	Extension() string
	Binary() bool
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// TableCodec stores a []T as a Parquet file of flat R rows.
type TableCodec[T, R any] struct {
	toRow   func(T) R
	fromRow func(R) T
}

// NewTableCodec builds a Parquet codec from row conversion functions.
func NewTableCodec[T, R any](toRow func(T) R, fromRow func(R) T) *TableCodec[T, R] {
	return &TableCodec[T, R]{toRow: toRow, fromRow: fromRow}
}

// Extension implements Codec.
func (c *TableCodec[T, R]) Extension() string { return "parquet" }

// Binary implements Codec.
func (c *TableCodec[T, R]) Binary() bool { return true }

// Encode implements Codec.
func (c *TableCodec[T, R]) Encode(v any) ([]byte, error) {
	items, ok := v.([]T)
	if !ok {
		return nil, fmt.Errorf("table codec: unexpected value type %T", v)
	}
	rows := make([]R, len(items))
	for i, item := range items {
		rows[i] = c.toRow(item)
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return nil, fmt.Errorf("table codec: write parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (c *TableCodec[T, R]) Decode(data []byte) (any, error) {
	rows, err := parquet.Read[R](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("table codec: read parquet: %w", err)
	}
	items := make([]T, len(rows))
	for i, row := range rows {
		items[i] = c.fromRow(row)
	}
	return items, nil
}

// JSONCodec stores a T as JSON text.
type JSONCodec[T any] struct{}

// Extension implements Codec.
func (JSONCodec[T]) Extension() string { return "json" }

// Binary implements Codec.
func (JSONCodec[T]) Binary() bool { return false }

// Encode implements Codec.
func (JSONCodec[T]) Encode(v any) ([]byte, error) {
	t, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("json codec: unexpected value type %T", v)
	}
	return json.Marshal(t)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (any, error) {
	var t T
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return t, nil
}
