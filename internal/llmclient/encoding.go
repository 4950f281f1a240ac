package llmclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is the Accept-Encoding value for callers that opt into
// compressed upstream responses. Setting the header by hand disables the
// transport's transparent gzip handling, so DoRaw decodes these itself.
const AcceptEncoding = "gzip, deflate, br"

const maxDecodedSize = 32 << 20

// decodeBody undoes Content-Encoding. Unknown encodings pass through.
func decodeBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))
	if len(body) == 0 || encoding == "" || encoding == "identity" {
		return body, nil
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		reader = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		reader = fr
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, nil
	}

	decoded, err := io.ReadAll(io.LimitReader(reader, maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return decoded, nil
}
