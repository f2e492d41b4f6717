package coder

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
)

// jsonCoder decodes into the generic Go representation of JSON:
// map[string]any, []any, string, float64, bool and nil.
type jsonCoder struct{}

func (jsonCoder) Decode(body []byte, _ map[string]string) (any, error) {
	d := json.NewDecoder(bytes.NewReader(body))

	var v any
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	if _, err := d.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decoding json: trailing data after value")
	}

	return v, nil
}

func (jsonCoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding json: %w", err)
	}

	return buf.Bytes(), nil
}

// XMLNode is a generic XML element tree.
type XMLNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []XMLNode  `xml:",any"`
}

// Attr returns the value of the attribute with the given local name.
func (n *XMLNode) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Find returns the first direct child with the given local name.
func (n *XMLNode) Find(name string) *XMLNode {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	return nil
}

type xmlCoder struct{}

// A charset parameter on the media type overrides the encoding
// declaration of the document.
func (xmlCoder) Decode(body []byte, params map[string]string) (any, error) {
	var d *xml.Decoder
	if charset := params["charset"]; charset != "" {
		r, err := transcode(body, charset)
		if err != nil {
			return nil, fmt.Errorf("decoding xml: %w", err)
		}
		d = xml.NewDecoder(r)
		d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	} else {
		d = xml.NewDecoder(bytes.NewReader(body))
		d.CharsetReader = charsetReader
	}

	var root XMLNode
	if err := d.Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding xml: %w", err)
	}

	return &root, nil
}

func (xmlCoder) Encode(v any) ([]byte, error) {
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding xml: %w", err)
	}

	return b, nil
}

// htmlCoder parses documents with the HTML5 parsing algorithm. The
// parser recovers from malformed markup, so decoding only fails on
// unreadable input.
type htmlCoder struct{}

func (htmlCoder) Decode(body []byte, params map[string]string) (any, error) {
	r, err := transcode(body, params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decoding html: %w", err)
	}

	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("decoding html: %w", err)
	}

	return doc, nil
}

func (htmlCoder) Encode(v any) ([]byte, error) {
	switch n := v.(type) {
	case *html.Node:
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err != nil {
			return nil, fmt.Errorf("encoding html: %w", err)
		}
		return buf.Bytes(), nil
	case string:
		return []byte(n), nil
	case []byte:
		return n, nil
	}

	return nil, fmt.Errorf("encoding html: unsupported type %T", v)
}

// textCoder yields a UTF-8 string, transcoding from the declared charset.
type textCoder struct{}

func (textCoder) Decode(body []byte, params map[string]string) (any, error) {
	r, err := transcode(body, params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decoding text: %w", err)
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding text: %w", err)
	}

	return string(b), nil
}

func (textCoder) Encode(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	}

	return nil, fmt.Errorf("encoding text: unsupported type %T", v)
}

// imageCoder decodes any registered image format and encodes in format.
type imageCoder struct {
	format string
}

func (imageCoder) Decode(body []byte, _ map[string]string) (any, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	return img, nil
}

func (c imageCoder) Encode(v any) ([]byte, error) {
	img, ok := v.(image.Image)
	if !ok {
		return nil, fmt.Errorf("encoding image: unsupported type %T", v)
	}

	var buf bytes.Buffer
	var err error
	switch c.format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding image %s: %w", c.format, err)
	}

	return buf.Bytes(), nil
}

// transcode wraps body in a reader converting from charset to UTF-8.
// An empty charset, or a UTF-8 one, reads body unchanged.
func transcode(body []byte, charset string) (io.Reader, error) {
	r := bytes.NewReader(body)

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return r, nil
	}

	return charsetReader(charset, r)
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}

	return enc.NewDecoder().Reader(input), nil
}
