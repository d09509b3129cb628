package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"pipelink/wire"
)

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	kwargsType = reflect.TypeOf(map[string]any(nil))
)

// invoke binds args to the method's parameters, calls it, and unpacks the
// results. A panic inside the method is converted to an application error so
// one misbehaving object cannot take the worker down.
func invoke(m reflect.Method, rcvr reflect.Value, args []any, kwargs map[string]any) (result any, err error) {
	in, err := buildArgs(m.Type, []reflect.Value{rcvr}, args, kwargs)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = wire.Errorf(wire.KindApplication, "panic in %s: %v", m.Name, p)
		}
	}()
	return unpackResults(m.Func.Call(in))
}

// buildArgs converts args into the parameter types of ft. fixed holds values
// already bound (the receiver for methods, empty for factories).
//
// A method whose final parameter is map[string]any and is not variadic takes
// the caller's kwargs in that slot when the positional args fill exactly the
// parameters before it. Any other method rejects non-empty kwargs.
func buildArgs(ft reflect.Type, fixed []reflect.Value, args []any, kwargs map[string]any) ([]reflect.Value, error) {
	offset := len(fixed)
	params := ft.NumIn() - offset
	variadic := ft.IsVariadic()

	takesKw := !variadic && params > 0 && ft.In(ft.NumIn()-1) == kwargsType
	if takesKw && len(args) == params-1 {
		in := make([]reflect.Value, 0, ft.NumIn())
		in = append(in, fixed...)
		for i, a := range args {
			v, err := convert(a, ft.In(offset+i))
			if err != nil {
				return nil, wire.Errorf(wire.KindBadArgument, "argument %d: %v", i+1, err)
			}
			in = append(in, v)
		}
		kw := kwargs
		if kw == nil {
			kw = map[string]any{}
		}
		return append(in, reflect.ValueOf(kw)), nil
	}

	if len(kwargs) > 0 {
		return nil, wire.Errorf(wire.KindBadArgument, "keyword arguments are not accepted")
	}
	if variadic {
		if len(args) < params-1 {
			return nil, wire.Errorf(wire.KindBadArgument, "want at least %d arguments, got %d", params-1, len(args))
		}
	} else if len(args) != params {
		return nil, wire.Errorf(wire.KindBadArgument, "want %d arguments, got %d", params, len(args))
	}

	in := make([]reflect.Value, 0, offset+len(args))
	in = append(in, fixed...)
	for i, a := range args {
		var pt reflect.Type
		if variadic && offset+i >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(offset + i)
		}
		v, err := convert(a, pt)
		if err != nil {
			return nil, wire.Errorf(wire.KindBadArgument, "argument %d: %v", i+1, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// convert coerces a decoded value into the parameter type t. JSON hands every
// number over as float64 and every object as map[string]any, so exact
// float64 values may cross into integer parameters and maps may fill struct
// parameters.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt(rv)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%v as %s", err, t)
		}
		if reflect.Zero(t).OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out := reflect.New(t).Elem()
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asInt(rv)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%v as %s", err, t)
		}
		if n < 0 {
			return reflect.Value{}, fmt.Errorf("cannot use %d as %s", n, t)
		}
		u := uint64(n)
		if reflect.Zero(t).OverflowUint(u) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", u, t)
		}
		out := reflect.New(t).Elem()
		out.SetUint(u)
		return out, nil
	case reflect.Float32, reflect.Float64:
		var f float64
		switch {
		case rv.CanFloat():
			f = rv.Float()
		case rv.CanInt():
			f = float64(rv.Int())
		case rv.CanUint():
			f = float64(rv.Uint())
		default:
			return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
		}
		if reflect.Zero(t).OverflowFloat(f) {
			return reflect.Value{}, fmt.Errorf("%v overflows %s", f, t)
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.Slice:
		if list, ok := v.([]any); ok {
			out := reflect.MakeSlice(t, len(list), len(list))
			for i, item := range list {
				ev, err := convert(item, t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("element %d: %v", i, err)
				}
				out.Index(i).Set(ev)
			}
			return out, nil
		}
	case reflect.Map:
		if m, ok := v.(map[string]any); ok && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, len(m))
			for k, item := range m {
				ev, err := convert(item, t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("key %q: %v", k, err)
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
			}
			return out, nil
		}
	case reflect.Struct:
		if m, ok := v.(map[string]any); ok {
			out := reflect.New(t)
			if err := remarshal(m, out.Interface()); err != nil {
				return reflect.Value{}, err
			}
			return out.Elem(), nil
		}
	case reflect.Ptr:
		if t.Elem().Kind() == reflect.Struct {
			if m, ok := v.(map[string]any); ok {
				out := reflect.New(t.Elem())
				if err := remarshal(m, out.Interface()); err != nil {
					return reflect.Value{}, err
				}
				return out, nil
			}
		}
	}

	// Named basic types: a plain string still fits a `type Color string`
	// parameter.
	if rv.Type().Kind() == t.Kind() && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
}

// asInt narrows a numeric value to int64, rejecting fractional floats.
func asInt(rv reflect.Value) (int64, error) {
	switch {
	case rv.CanInt():
		return rv.Int(), nil
	case rv.CanUint():
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows", u)
		}
		return int64(u), nil
	case rv.CanFloat():
		f := rv.Float()
		if math.Trunc(f) != f {
			return 0, fmt.Errorf("cannot use %v", f)
		}
		if f < math.MinInt64 || f > math.MaxInt64 {
			return 0, fmt.Errorf("%v overflows", f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("cannot use %s", rv.Type())
}

// remarshal fills a struct pointer from a decoded map via a JSON round trip,
// reusing the struct's own tags instead of a second field-matching scheme.
func remarshal(m map[string]any, dst any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// unpackResults maps a method's return values onto (result, error) according
// to the admissible shapes.
func unpackResults(outs []reflect.Value) (any, error) {
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		if outs[0].Type() == errorType {
			return nil, toError(outs[0])
		}
		return outs[0].Interface(), nil
	default:
		return outs[0].Interface(), toError(outs[1])
	}
}

func toError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
