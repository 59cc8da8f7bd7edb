package derive

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"

	"github.com/mitchellh/mapstructure"

	"irriline/internal/domain"
)

var decodeFailure = regexp.MustCompile(`^error decoding '([^']+)': (.+)$`)

// decodeInput maps a raw stage record onto a typed input struct.
func decodeInput(stage string, raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: false,
		ZeroFields:       true,
		DecodeHook:       wholeNumberHook,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return decodeError(stage, err)
	}
	return nil
}

// wholeNumberHook rejects fractional numbers bound for integer fields;
// mapstructure would otherwise truncate them.
func wholeNumberHook(from, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	var v float64
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		v = reflect.ValueOf(data).Float()
	default:
		return data, nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return nil, fmt.Errorf("must be a whole number, got %v", v)
	}
	return data, nil
}

// decodeError turns mapstructure's per-field messages into field errors.
func decodeError(stage string, err error) error {
	var me *mapstructure.Error
	if !errors.As(err, &me) {
		return invalid(stage, "input", "%v", err)
	}
	var fe fieldErrors
	for _, msg := range me.Errors {
		if m := decodeFailure.FindStringSubmatch(msg); m != nil {
			fe.add(m[1], "%s", m[2])
			continue
		}
		fe.add("input", "%s", msg)
	}
	if len(fe) == 0 {
		fe.add("input", "%v", err)
	}
	return fe.err(stage)
}

// encodeDerived flattens a derived struct into JSON-compatible values.
func encodeDerived(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode derived: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode derived: %w", err)
	}
	return out, nil
}

// upstreamDerived decodes the derived values of a completed upstream stage.
func upstreamDerived(stage string, upstream []domain.StageRecord, stageID int, out any) error {
	for _, rec := range upstream {
		if rec.StageID != stageID {
			continue
		}
		if !rec.Complete() {
			break
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
		if err != nil {
			return err
		}
		if err := dec.Decode(rec.Derived); err != nil {
			return fmt.Errorf("decode %s derived: %w", domain.StageName(stageID), err)
		}
		return nil
	}
	return invalid(stage, domain.StageName(stageID), "stage must be completed first")
}
