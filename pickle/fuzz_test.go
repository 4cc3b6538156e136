package pickle

import (
	"bytes"
	"testing"
)

// FuzzDecode checks that Decode never panics and that whatever it accepts
// survives an encode/decode round trip.
func FuzzDecode(f *testing.F) {
	for _, test := range tests {
		f.Add([]byte(test.input))
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := NewDecoder(bytes.NewReader(data)).Decode()
		if err != nil {
			return
		}

		for _, config := range []EncoderConfig{{}, {Protocol: 4, Memoize: true}} {
			buf := &bytes.Buffer{}
			if err := NewEncoderWithConfig(buf, &config).Encode(v); err != nil {
				t.Fatalf("encode %s: %s", v, err)
			}
			v2, err := Unpickle(buf)
			if err != nil {
				t.Fatalf("decode of re-encoded %s: %s", v, err)
			}
			if !Equal(v, v2) {
				t.Fatalf("round trip:\nhave: %s\nwant: %s", v2, v)
			}
		}
	})
}
