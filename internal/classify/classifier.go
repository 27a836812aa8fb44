// Package classify labels a request as bot or human from its User-Agent.
//
// Classification is a pure function of the UA string and the taxonomy the
// Classifier was built with. A Classifier is immutable after New and safe
// for concurrent use.
package classify

import (
	"net/http"
	"strings"
)

// UnknownUserAgent stands in for a missing User-Agent header.
const UnknownUserAgent = "Unknown"

// Result is the classification triple, plus the matched signature family.
type Result struct {
	IsBot      bool    `json:"isBot"`
	BotType    string  `json:"botType"`
	Confidence float64 `json:"confidence"`
	Family     string  `json:"family,omitempty"`
}

type signature struct {
	needle string
	label  string
	family string
}

type Classifier struct {
	version     string
	signatures  []signature
	sigConf     float64
	generic     []string
	genericType string
	genericConf float64
	humanType   string
	humanConf   float64
}

// New compiles a taxonomy. Substrings are lowercased once here so Classify
// only lowercases the UA.
func New(t Taxonomy) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	c := &Classifier{
		version:     t.Version,
		sigConf:     t.SignatureConfidence,
		genericType: t.Generic.Label,
		genericConf: t.Generic.Confidence,
		humanType:   t.Human.Label,
		humanConf:   t.Human.Confidence,
	}
	c.signatures = make([]signature, 0, len(t.Signatures))
	for _, s := range t.Signatures {
		c.signatures = append(c.signatures, signature{
			needle: strings.ToLower(s.Substring),
			label:  s.Label,
			family: s.Family,
		})
	}
	c.generic = make([]string, 0, len(t.Generic.Indicators))
	for _, ind := range t.Generic.Indicators {
		c.generic = append(c.generic, strings.ToLower(ind))
	}
	return c, nil
}

// Default returns a classifier over DefaultTaxonomy.
func Default() *Classifier {
	c, err := New(DefaultTaxonomy())
	if err != nil {
		panic("classify: built-in taxonomy is invalid: " + err.Error())
	}
	return c
}

// Version reports the taxonomy version the classifier was compiled from.
func (c *Classifier) Version() string { return c.version }

// Classify maps a User-Agent to a Result. It never fails: every input lands
// in exactly one of the signature, generic or human tiers.
func (c *Classifier) Classify(userAgent string) Result {
	ua := strings.ToLower(userAgent)

	for _, s := range c.signatures {
		if strings.Contains(ua, s.needle) {
			return Result{IsBot: true, BotType: s.label, Confidence: c.sigConf, Family: s.family}
		}
	}
	for _, ind := range c.generic {
		if strings.Contains(ua, ind) {
			return Result{IsBot: true, BotType: c.genericType, Confidence: c.genericConf}
		}
	}
	return Result{IsBot: false, BotType: c.humanType, Confidence: c.humanConf}
}

// ClassifyRequest classifies the request's User-Agent header.
func (c *Classifier) ClassifyRequest(r *http.Request) Result {
	return c.Classify(RequestUserAgent(r))
}

// RequestUserAgent returns the User-Agent header, or UnknownUserAgent when absent.
func RequestUserAgent(r *http.Request) string {
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	return UnknownUserAgent
}
