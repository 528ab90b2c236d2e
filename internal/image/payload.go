package image

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Kind tags the normalized form of an inbound image payload.
type Kind string

const (
	KindBase64  Kind = "base64"   // bare base64 content
	KindDataURL Kind = "data_url" // base64 content that arrived with a data: prefix
	KindURL     Kind = "url"      // remote reference, no content bytes available
)

var (
	dataURLPrefix = regexp.MustCompile(`^data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+)?;base64,`)
	base64Charset = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	whitespace    = strings.NewReplacer("\n", "", "\r", "", "\t", "", " ", "")
)

// Payload is the single normalized form every downstream component consumes.
// Content holds the canonical base64 string with any data-URL prefix and
// embedded whitespace stripped; it is empty for URL payloads.
type Payload struct {
	Kind    Kind
	MIME    string
	Content string
	URL     string

	// Declared pixel dimensions, zero when the caller did not send them.
	Width  int
	Height int
}

// Parse normalizes a raw image field into a Payload. Base64 content is
// canonicalized before anything downstream sees it: the fingerprint and the
// cache key can only ever be derived from the normalized form.
func Parse(raw string, width, height int) (*Payload, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &ValidationError{Errors: []string{"image payload is empty"}}
	}

	p := &Payload{Width: width, Height: height}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		p.Kind = KindURL
		p.URL = s
		return p, nil
	}

	p.Kind = KindBase64
	if m := dataURLPrefix.FindStringSubmatch(s); m != nil {
		p.Kind = KindDataURL
		p.MIME = m[1]
		s = s[len(m[0]):]
	}

	s = whitespace.Replace(s)
	if !base64Charset.MatchString(s) {
		return nil, &ValidationError{Errors: []string{"image payload is not valid base64"}}
	}

	p.Content = s
	return p, nil
}

// ImageRef renders the payload the way the vision API wants it: the remote
// URL as-is, or a data URL rebuilt from the normalized content.
func (p *Payload) ImageRef() string {
	if p.Kind == KindURL {
		return p.URL
	}
	mime := p.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + p.Content
}

// Fingerprint returns the content key for caching: a sha256 hex digest over
// the normalized base64 string. URL payloads carry no content bytes, so no
// fingerprint is produced and caching is disabled for those requests.
func (p *Payload) Fingerprint() (string, bool) {
	if p.Content == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(p.Content))
	return hex.EncodeToString(sum[:]), true
}
