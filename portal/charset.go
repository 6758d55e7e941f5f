package portal

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// codec converts between the portal's page encoding and UTF-8. The zero
// value (nil enc) is a UTF-8 pass-through.
type codec struct {
	enc encoding.Encoding
}

func newCodec(charset string) (codec, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return codec{}, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return codec{}, fmt.Errorf("unsupported portal charset %q: %w", charset, err)
	}
	return codec{enc: enc}, nil
}

// decode turns a raw response body into UTF-8 text. Skips the UTF-8 BOM.
func (c codec) decode(b []byte) (string, error) {
	if c.enc == nil {
		return strings.TrimPrefix(string(b), "\ufeff"), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode portal body: %w", err)
	}
	return string(out), nil
}

// encodeForm url-encodes form values in the portal's charset. Characters the
// charset cannot represent are replaced rather than failing the request.
func (c codec) encodeForm(form url.Values) string {
	if c.enc == nil {
		return form.Encode()
	}
	enc := encoding.ReplaceUnsupported(c.enc.NewEncoder())
	converted := make(url.Values, len(form))
	for k, vs := range form {
		for _, v := range vs {
			s, err := enc.String(v)
			if err != nil {
				s = v
			}
			converted.Add(k, s)
		}
	}
	return converted.Encode()
}
