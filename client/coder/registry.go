// Package coder resolves the encoder and decoder for a MIME type.
//
// A [Registry] maps media type predicates to a [Coder] and a [Class].
// When nothing matches, the class is [ClassNone] and response bodies
// pass through as raw bytes. That is the designed fallback, not an
// error.
package coder

import (
	"errors"
	"mime"
	"slices"
	"strings"
	"sync"
)

// Class classifies response content. The predefined classes mirror the
// built-in coders; callers may register coders under their own classes.
type Class string

const (
	ClassNone  Class = "none"
	ClassJSON  Class = "json"
	ClassXML   Class = "xml"
	ClassHTML  Class = "html"
	ClassText  Class = "text"
	ClassImage Class = "image"
)

// ErrNoEncoder is returned by [Registry.Encode] when no coder matches
// the content type and the value is not already raw bytes.
var ErrNoEncoder = errors.New("no encoder for content type")

// Decoder turns a raw body into a structured value. params holds the
// lower-cased media type parameters, such as charset.
type Decoder interface {
	Decode(body []byte, params map[string]string) (any, error)
}

// Encoder turns a value into a request body.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// Coder is both a Decoder and an Encoder.
type Coder interface {
	Decoder
	Encoder
}

// Matcher reports whether a normalized media type (lower case, no
// parameters) is handled by a coder.
type Matcher func(mediaType string) bool

// Exact matches any of the given media types.
func Exact(mediaTypes ...string) Matcher {
	set := make([]string, len(mediaTypes))
	for i, mt := range mediaTypes {
		set[i] = strings.ToLower(mt)
	}

	return func(mediaType string) bool {
		return slices.Contains(set, mediaType)
	}
}

// Prefix matches media types starting with prefix, e.g. "image/".
func Prefix(prefix string) Matcher {
	prefix = strings.ToLower(prefix)

	return func(mediaType string) bool {
		return strings.HasPrefix(mediaType, prefix)
	}
}

// Suffix matches structured syntax suffixes, e.g. "+json".
func Suffix(suffix string) Matcher {
	suffix = strings.ToLower(suffix)

	return func(mediaType string) bool {
		return strings.HasSuffix(mediaType, suffix)
	}
}

// Any matches when any of the matchers does.
func Any(matchers ...Matcher) Matcher {
	return func(mediaType string) bool {
		for _, m := range matchers {
			if m(mediaType) {
				return true
			}
		}
		return false
	}
}

type entry struct {
	class Class
	match Matcher
	coder Coder
}

// Registry maps media types to coders. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Default returns a Registry holding the built-in coders.
func Default() *Registry {
	r := New()
	r.Register(ClassImage, Exact("image/png"), imageCoder{format: "png"})
	r.Register(ClassImage, Exact("image/jpeg", "image/jpg"), imageCoder{format: "jpeg"})
	r.Register(ClassImage, Exact("image/gif"), imageCoder{format: "gif"})
	r.Register(ClassText, Prefix("text/"), textCoder{})
	r.Register(ClassXML, Any(Exact("application/xml", "text/xml"), Suffix("+xml")), xmlCoder{})
	r.Register(ClassHTML, Exact("text/html", "application/xhtml+xml"), htmlCoder{})
	r.Register(ClassJSON, Any(Exact("application/json", "text/json"), Suffix("+json")), jsonCoder{})

	return r
}

// Register adds a coder for media types accepted by match. Registrations
// made later take precedence, so a caller can override a built-in.
func (r *Registry) Register(class Class, match Matcher, c Coder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry{class: class, match: match, coder: c})
}

// Classify returns the class for contentType, or ClassNone.
func (r *Registry) Classify(contentType string) Class {
	_, class := r.lookup(contentType)
	return class
}

// DecoderFor returns the decoder for contentType. A nil Decoder with
// ClassNone means the body should be used as is.
func (r *Registry) DecoderFor(contentType string) (Decoder, Class) {
	c, class := r.lookup(contentType)
	if c == nil {
		return nil, ClassNone
	}

	return c, class
}

// EncoderFor returns the encoder for contentType, or nil and ClassNone.
func (r *Registry) EncoderFor(contentType string) (Encoder, Class) {
	c, class := r.lookup(contentType)
	if c == nil {
		return nil, ClassNone
	}

	return c, class
}

// Decode decodes body according to contentType. Without a matching
// decoder the body is returned unchanged with ClassNone and a nil error.
func (r *Registry) Decode(contentType string, body []byte) (any, Class, error) {
	c, class := r.lookup(contentType)
	if c == nil {
		return body, ClassNone, nil
	}

	_, params := Normalize(contentType)
	v, err := c.Decode(body, params)
	if err != nil {
		return body, class, err
	}

	return v, class, nil
}

// Encode encodes v for contentType. Raw []byte and string values are
// passed through when no coder matches.
func (r *Registry) Encode(contentType string, v any) ([]byte, error) {
	if c, _ := r.lookup(contentType); c != nil {
		return c.Encode(v)
	}

	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}

	return nil, ErrNoEncoder
}

func (r *Registry) lookup(contentType string) (Coder, Class) {
	mediaType, _ := Normalize(contentType)
	if mediaType == "" {
		return nil, ClassNone
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range slices.Backward(r.entries) {
		if e.match(mediaType) {
			return e.coder, e.class
		}
	}

	return nil, ClassNone
}

// Normalize returns the lower-cased media type of contentType without
// parameters, and the parameters. Unparseable values fall back to the
// text before the first ';'.
func Normalize(contentType string) (string, map[string]string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		params = nil
	}

	return mediaType, params
}
