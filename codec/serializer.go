package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"strings"

	rpcerr "msg-rpc/errors"
)

// Serializer encodes the values carried inside an envelope: call arguments
// and results. Decode always receives a pointer to a value of the declared type.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// JSONSerializer is the default value serializer.
type JSONSerializer struct{}

func (s JSONSerializer) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Serialization, err, "json encode value")
	}
	return data, nil
}

func (s JSONSerializer) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return rpcerr.Wrap(rpcerr.Serialization, err, "json decode value")
	}
	return nil
}

func (s JSONSerializer) Name() string {
	return "json"
}

// GobSerializer encodes each value as a self-contained gob stream. Only Go
// peers can read it.
type GobSerializer struct{}

func (s GobSerializer) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Serialization, err, "gob encode value")
	}
	return buf.Bytes(), nil
}

func (s GobSerializer) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return rpcerr.Wrap(rpcerr.Serialization, err, "gob decode value")
	}
	return nil
}

func (s GobSerializer) Name() string {
	return "gob"
}

// GetSerializer returns the serializer registered under name.
func GetSerializer(name string) (Serializer, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONSerializer{}, nil
	case "gob":
		return GobSerializer{}, nil
	}
	return nil, rpcerr.Newf(rpcerr.Configuration, "unknown serializer %q", name)
}
