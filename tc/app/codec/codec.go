// Package codec resolves the serializer used to persist opaque record fields.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/ikenchina/octopus-tcc/define"
)

// Codec serializes values for storage. Implementations must be safe for concurrent use.
type Codec interface {
	Scheme() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var ErrEmptyData = errors.New("empty data")

type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Scheme() string { return define.CodecJSON }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	return json.Unmarshal(data, v)
}

type gobCodec struct{}

func Gob() Codec { return gobCodec{} }

func (gobCodec) Scheme() string { return define.CodecGob }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// bson documents must be maps or structs at the top level, so values are
// wrapped under a single key.
type bsonCodec struct{}

const bsonValueKey = "v"

func BSON() Codec { return bsonCodec{} }

func (bsonCodec) Scheme() string { return define.CodecBSON }

func (bsonCodec) Marshal(v interface{}) ([]byte, error) {
	return bson.Marshal(bson.D{{Key: bsonValueKey, Value: v}})
}

func (bsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	rv, err := bson.Raw(data).LookupErr(bsonValueKey)
	if err != nil {
		return err
	}
	return rv.Unmarshal(v)
}

type yamlCodec struct{}

func YAML() Codec { return yamlCodec{} }

func (yamlCodec) Scheme() string { return define.CodecYAML }

func (yamlCodec) Marshal(v interface{}) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyData
	}
	return yaml.Unmarshal(data, v)
}
