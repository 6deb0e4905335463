package beandb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

type containerRow struct {
	Type   string         `msgpack:"t"`
	Values map[string]any `msgpack:"v"`
}

type singleRow struct {
	Type string            `msgpack:"t"`
	Cols map[string]string `msgpack:"c"`
}

type containerMeta struct {
	Type string `msgpack:"t"`
}

func encodeMsgpack(v any) []byte {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return buf.Bytes()
}

func decodeMsgpack(buf []byte, ptr any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(buf))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

// encodeRow serializes normalized values. Decimals are stored as strings and
// restored by normalization on decode.
func encodeRow(typ *RecordType, values map[string]any) []byte {
	row := containerRow{Type: typ.name, Values: maps.Clone(values)}
	for k, v := range row.Values {
		if d, ok := v.(decimal.Decimal); ok {
			row.Values[k] = d.String()
		}
	}
	return encodeMsgpack(&row)
}

// decodeRow returns the row's type and its values normalized against that
// type. Stored fields the type no longer has are dropped; fields it gained
// get their initial values.
func decodeRow(types *TypeRegistry, buf []byte) (*RecordType, map[string]any, error) {
	var row containerRow
	if err := decodeMsgpack(buf, &row); err != nil {
		return nil, nil, err
	}
	typ := types.Lookup(row.Type)
	if typ == nil {
		return nil, nil, dataErrf(buf, 0, nil, "unknown record type %q", row.Type)
	}
	values := typ.InitialValues()
	for k, v := range row.Values {
		i, ok := typ.byName[k]
		if !ok {
			continue
		}
		nv, err := typ.fields[i].Kind.Normalize(v)
		if err != nil {
			return nil, nil, dataErrf(buf, 0, err, "%s.%s", typ.name, k)
		}
		values[k] = nv
	}
	return typ, values, nil
}

func rowTypeName(buf []byte) (string, error) {
	var row containerRow
	if err := decodeMsgpack(buf, &row); err != nil {
		return "", err
	}
	return row.Type, nil
}

// positionKey encodes a (possibly negative) position so that byte order
// matches numeric order.
func positionKey(pos int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(int64(pos))^(1<<63))
	return k[:]
}

func decodePositionKey(k []byte) int {
	if len(k) != 8 {
		panic(fmt.Errorf("invalid position key %x", k))
	}
	return int(int64(binary.BigEndian.Uint64(k) ^ (1 << 63)))
}

func columnName(i int) string {
	return fmt.Sprintf("c%d", i)
}

func encodeCount(n int) []byte {
	return binary.AppendUvarint(nil, uint64(n))
}

func decodeCount(buf []byte) int {
	if buf == nil {
		return 0
	}
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		panic(dataErrf(buf, 0, nil, "invalid count"))
	}
	return int(v)
}
