/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package amqp

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// binaryKey marks a struct value holding base64 encoded binary data.
const binaryKey = "@binary"

// MarshalError is returned if a Go value cannot be encoded.
type MarshalError struct {
	// The Go type.
	GoType reflect.Type
	s      string
}

func (e MarshalError) Error() string { return e.s }

func newMarshalError(v interface{}, s string) *MarshalError {
	t := reflect.TypeOf(v)
	return &MarshalError{GoType: t, s: fmt.Sprintf("cannot marshal %s: %s", t, s)}
}

// UnmarshalError is returned if data cannot be decoded as an AMQP value.
type UnmarshalError struct {
	s string
}

func (e UnmarshalError) Error() string { return e.s }

/*
Marshal encodes a Go value as bytes.

Go types are encoded as follows

 +-------------------------------------+--------------------------------------------+
 |Go type                              |Wire type                                   |
 +-------------------------------------+--------------------------------------------+
 |bool                                 |bool                                        |
 +-------------------------------------+--------------------------------------------+
 |int8, int16, int32, int64 (int)      |number                                      |
 +-------------------------------------+--------------------------------------------+
 |uint8, uint16, uint32, uint64 (uint) |number                                      |
 +-------------------------------------+--------------------------------------------+
 |float32, float64                     |number                                      |
 +-------------------------------------+--------------------------------------------+
 |string, Symbol                       |string                                      |
 +-------------------------------------+--------------------------------------------+
 |[]byte, Binary                       |struct {"@binary": base64}                  |
 +-------------------------------------+--------------------------------------------+
 |nil                                  |null                                        |
 +-------------------------------------+--------------------------------------------+
 |map[string]T                         |struct with T converted as above            |
 +-------------------------------------+--------------------------------------------+
 |[]T                                  |list with T converted as above              |
 +-------------------------------------+--------------------------------------------+

Numbers decode as float64 and symbols decode as string.
*/
func Marshal(v interface{}) ([]byte, error) {
	pv, err := toValue(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pv)
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (interface{}, error) {
	pv := &structpb.Value{}
	if err := proto.Unmarshal(data, pv); err != nil {
		return nil, &UnmarshalError{s: fmt.Sprintf("cannot unmarshal: %v", err)}
	}
	return fromValue(pv)
}

// MarshalMap encodes a map as a struct, the top level of every frame body.
func MarshalMap(m map[string]interface{}) ([]byte, error) {
	s, err := toStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// UnmarshalMap decodes bytes produced by MarshalMap.
func UnmarshalMap(data []byte) (map[string]interface{}, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, &UnmarshalError{s: fmt.Sprintf("cannot unmarshal map: %v", err)}
	}
	return fromStruct(s)
}

func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		pv, err := toValue(v)
		if err != nil {
			return nil, err
		}
		s.Fields[k] = pv
	}
	return s, nil
}

func toValue(v interface{}) (*structpb.Value, error) {
	switch v := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(v), nil
	case string:
		return structpb.NewStringValue(v), nil
	case Symbol:
		return structpb.NewStringValue(string(v)), nil
	case Binary:
		return binaryValue([]byte(v)), nil
	case []byte:
		return binaryValue(v), nil
	case map[string]interface{}:
		s, err := toStruct(v)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	case []interface{}:
		l := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(v))}
		for _, x := range v {
			pv, err := toValue(x)
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, pv)
		}
		return structpb.NewListValue(l), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return structpb.NewNumberValue(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return structpb.NewNumberValue(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return structpb.NewNumberValue(rv.Float()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Slice, reflect.Array:
		l := make([]interface{}, rv.Len())
		for i := range l {
			l[i] = rv.Index(i).Interface()
		}
		return toValue(l)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, newMarshalError(v, "map keys must be strings")
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return toValue(m)
	}
	return nil, newMarshalError(v, "no wire representation")
}

func binaryValue(b []byte) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		binaryKey: structpb.NewStringValue(base64.StdEncoding.EncodeToString(b)),
	}})
}

func fromStruct(s *structpb.Struct) (map[string]interface{}, error) {
	m := make(map[string]interface{}, len(s.GetFields()))
	for k, pv := range s.GetFields() {
		v, err := fromValue(pv)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func fromValue(pv *structpb.Value) (interface{}, error) {
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_ListValue:
		l := make([]interface{}, 0, len(k.ListValue.GetValues()))
		for _, x := range k.ListValue.GetValues() {
			v, err := fromValue(x)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if b, ok := fields[binaryKey]; ok && len(fields) == 1 {
			data, err := base64.StdEncoding.DecodeString(b.GetStringValue())
			if err != nil {
				return nil, &UnmarshalError{s: fmt.Sprintf("bad binary value: %v", err)}
			}
			return Binary(data), nil
		}
		return fromStruct(k.StructValue)
	}
	return nil, &UnmarshalError{s: fmt.Sprintf("unknown value kind %T", pv.GetKind())}
}
