package config

import "bytes"

// normalizeInput strips a UTF-8 BOM and turns CRLF and CR into LF. Trailing
// whitespace is kept.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, []byte{0xEF, 0xBB, 0xBF})

	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// canonicalize is normalizeInput plus exactly one trailing newline.
func canonicalize(in []byte) []byte {
	out := bytes.TrimRight(normalizeInput(in), "\n \t")
	return append(out, '\n')
}
