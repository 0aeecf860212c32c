package wal

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Record payloads use the protobuf wire format without generated code.
//
// Batch:
//   1: repeated bytes reading
//
// Reading:
//   1: string  location_id
//   2: string  parameter
//   3: sint64  observed_at (unix micros)
//   4: fixed64 value (absent when null)
//   5: string  unit
//   6: sint64  ingested_at (unix micros, absent when zero)
//   7: string  source_record_id
//
// Unknown fields are skipped so newer writers stay readable.

const (
	fieldBatchReading protowire.Number = 1

	fieldLocationID     protowire.Number = 1
	fieldParameter      protowire.Number = 2
	fieldObservedAt     protowire.Number = 3
	fieldValue          protowire.Number = 4
	fieldUnit           protowire.Number = 5
	fieldIngestedAt     protowire.Number = 6
	fieldSourceRecordID protowire.Number = 7
)

// encodeReadings encodes a batch of readings into one record payload.
func encodeReadings(readings []types.Reading) ([]byte, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	// Estimate size: ~96 bytes per reading average
	buf := make([]byte, 0, len(readings)*96)
	var msg []byte

	for i := range readings {
		msg = appendReading(msg[:0], &readings[i])
		buf = protowire.AppendTag(buf, fieldBatchReading, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}

	return buf, nil
}

func appendReading(b []byte, r *types.Reading) []byte {
	b = appendString(b, fieldLocationID, r.LocationID)
	b = appendString(b, fieldParameter, r.Parameter)

	b = protowire.AppendTag(b, fieldObservedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.ObservedAt.UnixMicro()))

	if r.Value != nil {
		b = protowire.AppendTag(b, fieldValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*r.Value))
	}

	b = appendString(b, fieldUnit, r.Unit)

	if !r.IngestedAt.IsZero() {
		b = protowire.AppendTag(b, fieldIngestedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.IngestedAt.UnixMicro()))
	}

	return appendString(b, fieldSourceRecordID, r.SourceRecordID)
}

// appendString appends a string field, omitting empty values.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// decodeReadings decodes a record payload into readings.
func decodeReadings(data []byte) ([]types.Reading, error) {
	var readings []types.Reading

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("batch tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldBatchReading || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("batch field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("reading %d: %w", len(readings), protowire.ParseError(n))
		}
		data = data[n:]

		r, err := decodeReading(msg)
		if err != nil {
			return nil, fmt.Errorf("reading %d: %w", len(readings), err)
		}
		readings = append(readings, r)
	}

	return readings, nil
}

func decodeReading(data []byte) (types.Reading, error) {
	var r types.Reading

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldLocationID || num == fieldParameter ||
			num == fieldUnit || num == fieldSourceRecordID):
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldLocationID:
				r.LocationID = s
			case fieldParameter:
				r.Parameter = s
			case fieldUnit:
				r.Unit = s
			case fieldSourceRecordID:
				r.SourceRecordID = s
			}

		case typ == protowire.VarintType && (num == fieldObservedAt || num == fieldIngestedAt):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			ts := time.UnixMicro(protowire.DecodeZigZag(v)).UTC()
			if num == fieldObservedAt {
				r.ObservedAt = ts
			} else {
				r.IngestedAt = ts
			}

		case typ == protowire.Fixed64Type && num == fieldValue:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return r, fmt.Errorf("value: %w", protowire.ParseError(n))
			}
			data = data[n:]
			r.Value = types.Float(math.Float64frombits(v))

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return r, nil
}
