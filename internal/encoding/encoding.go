// Package encoding provides the batch wire formats understood by the
// collection endpoint. An Encoder turns a transmit buffer of opaque
// frames into a request body and names the headers and path that go
// with it.
package encoding

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownEncoding = errors.New("unknown encoding")
	ErrInvalidFrame    = errors.New("invalid frame")
)

// Encoder serializes a batch of frames into a request body.
type Encoder interface {
	// Name is the identifier used on the command line.
	Name() string
	// Path is the endpoint path the body is posted to.
	Path() string
	ContentType() string
	// ContentEncoding is empty when the body is not compressed.
	ContentEncoding() string
	Encode(frames [][]byte) ([]byte, error)
}

var constructors = map[string]func(vehicleID string) Encoder{
	"json":     func(string) Encoder { return JSONArray{} },
	"gzip":     func(id string) Encoder { return GzipJSON{VehicleID: id} },
	"cbor":     func(id string) Encoder { return CBOR{VehicleID: id} },
	"protobuf": func(id string) Encoder { return Protobuf{VehicleID: id} },
}

// New returns the encoder registered under name.
func New(name, vehicleID string) (Encoder, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownEncoding, name, Names())
	}
	return ctor(vehicleID), nil
}

// Names lists the registered encoder names in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
