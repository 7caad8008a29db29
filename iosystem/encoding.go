package iosystem

import (
	"bytes"
	"encoding/gob"
)

// encodeArg/decodeArg gob-encode a single dispatch argument's value,
// mirroring internal/mpi's own wire encoding but kept separate since that
// helper is unexported and this package's "argument" framing (presence byte
// plus payload, spec.md §4.3) is one layer up from a raw message payload.
func encodeArg(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeArg(b []byte, dest interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(dest)
}
