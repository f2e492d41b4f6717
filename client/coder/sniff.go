package coder

import (
	"github.com/gabriel-vasile/mimetype"
)

// Sniff detects the content type of body from its leading bytes. It is
// used when a response does not declare a Content-Type. The result
// always has a media type; unrecognised data is
// "application/octet-stream", which no built-in coder matches.
func Sniff(body []byte) string {
	return mimetype.Detect(body).String()
}
