package orchestrator

import (
	"encoding/base64"
	"strings"
)

const dataURLPrefix = "data:image/png;base64,"

// dataURLFor wraps raw image bytes as an inline data URL. A piece keeps
// this URL when storage upload is disabled for the batch (spec §9 Open
// Questions: data URLs are allowed when upload is off).
func dataURLFor(imageBytes []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(imageBytes)
}

// dataURLDecode reverses dataURLFor. Pieces reaching the upload stage are
// always data URLs produced by this package, so malformed input only
// happens if that invariant is broken upstream.
func dataURLDecode(url string) []byte {
	encoded := strings.TrimPrefix(url, dataURLPrefix)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return data
}
