package classify

import (
	"errors"
	"fmt"

	"github.com/gookit/validate"
)

// Labels and confidences of the built-in taxonomy.
const (
	DefaultVersion             = "builtin-2025.1"
	DefaultSignatureConfidence = 1.0
	DefaultGenericLabel        = "Generic Bot"
	DefaultGenericConfidence   = 0.8
	DefaultHumanLabel          = "Human"
	DefaultHumanConfidence     = 0.1
)

// Signature families.
const (
	FamilyAI      = "ai"
	FamilySearch  = "search"
	FamilySocial  = "social"
	FamilySEO     = "seo"
	FamilyArchive = "archive"
)

var ErrInvalidTaxonomy = errors.New("invalid taxonomy")

// Taxonomy is the versioned signature table the classifier is built from.
// Signature order is significant: the first match wins.
type Taxonomy struct {
	Version             string      `mapstructure:"version" json:"version" validate:"required"`
	SignatureConfidence float64     `mapstructure:"signatureConfidence" json:"signatureConfidence"`
	Signatures          []Signature `mapstructure:"signatures" json:"signatures"`
	Generic             GenericTier `mapstructure:"generic" json:"generic"`
	Human               HumanTier   `mapstructure:"human" json:"human"`
}

// Signature maps one identifying substring to a canonical bot label.
type Signature struct {
	Substring string `mapstructure:"substring" json:"substring" validate:"required"`
	Label     string `mapstructure:"label" json:"label" validate:"required"`
	Family    string `mapstructure:"family" json:"family,omitempty" validate:"in:ai,search,social,seo,archive,other"`
}

// GenericTier is the lower-confidence fallback scanned when no signature matches.
type GenericTier struct {
	Indicators []string `mapstructure:"indicators" json:"indicators"`
	Label      string   `mapstructure:"label" json:"label" validate:"required"`
	Confidence float64  `mapstructure:"confidence" json:"confidence"`
}

// HumanTier is the result when nothing matches.
type HumanTier struct {
	Label      string  `mapstructure:"label" json:"label" validate:"required"`
	Confidence float64 `mapstructure:"confidence" json:"confidence"`
}

// Validate checks labels, substrings and confidence ranges.
func (t Taxonomy) Validate() error {
	if v := validate.Struct(&t); !v.Validate() {
		return fmt.Errorf("%w: %s", ErrInvalidTaxonomy, v.Errors.One())
	}
	if len(t.Signatures) == 0 && len(t.Generic.Indicators) == 0 {
		return fmt.Errorf("%w: no signatures and no generic indicators", ErrInvalidTaxonomy)
	}
	for i := range t.Signatures {
		s := t.Signatures[i]
		if v := validate.Struct(&s); !v.Validate() {
			return fmt.Errorf("%w: signature %d: %s", ErrInvalidTaxonomy, i, v.Errors.One())
		}
	}
	for i, ind := range t.Generic.Indicators {
		if ind == "" {
			return fmt.Errorf("%w: generic indicator %d is empty", ErrInvalidTaxonomy, i)
		}
	}
	if v := validate.Struct(&t.Generic); !v.Validate() {
		return fmt.Errorf("%w: generic: %s", ErrInvalidTaxonomy, v.Errors.One())
	}
	if v := validate.Struct(&t.Human); !v.Validate() {
		return fmt.Errorf("%w: human: %s", ErrInvalidTaxonomy, v.Errors.One())
	}
	for name, c := range map[string]float64{
		"signatureConfidence": t.SignatureConfidence,
		"generic.confidence":  t.Generic.Confidence,
		"human.confidence":    t.Human.Confidence,
	} {
		if c < 0 || c > 1 {
			return fmt.Errorf("%w: %s %v outside [0,1]", ErrInvalidTaxonomy, name, c)
		}
	}
	return nil
}

// DefaultTaxonomy returns the built-in signature table, grouped by vendor
// family. Longer, more specific substrings sit ahead of their prefixes
// (applebot-extended before applebot).
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Version:             DefaultVersion,
		SignatureConfidence: DefaultSignatureConfidence,
		Signatures: []Signature{
			// Generative AI crawlers and fetchers
			{Substring: "gptbot", Label: "GPTBot", Family: FamilyAI},
			{Substring: "chatgpt-user", Label: "ChatGPT-User", Family: FamilyAI},
			{Substring: "oai-searchbot", Label: "OAI-SearchBot", Family: FamilyAI},
			{Substring: "claudebot", Label: "ClaudeBot", Family: FamilyAI},
			{Substring: "claude-web", Label: "Claude-Web", Family: FamilyAI},
			{Substring: "claude-user", Label: "Claude-User", Family: FamilyAI},
			{Substring: "anthropic-ai", Label: "Anthropic AI", Family: FamilyAI},
			{Substring: "perplexitybot", Label: "PerplexityBot", Family: FamilyAI},
			{Substring: "perplexity-user", Label: "Perplexity-User", Family: FamilyAI},
			{Substring: "google-extended", Label: "Google-Extended", Family: FamilyAI},
			{Substring: "googleother", Label: "GoogleOther", Family: FamilyAI},
			{Substring: "ccbot", Label: "CCBot", Family: FamilyAI},
			{Substring: "cohere-ai", Label: "Cohere AI", Family: FamilyAI},
			{Substring: "bytespider", Label: "Bytespider", Family: FamilyAI},
			{Substring: "amazonbot", Label: "Amazonbot", Family: FamilyAI},
			{Substring: "applebot-extended", Label: "Applebot-Extended", Family: FamilyAI},
			{Substring: "meta-externalagent", Label: "Meta-ExternalAgent", Family: FamilyAI},
			{Substring: "meta-externalfetcher", Label: "Meta-ExternalFetcher", Family: FamilyAI},
			{Substring: "youbot", Label: "YouBot", Family: FamilyAI},
			{Substring: "diffbot", Label: "Diffbot", Family: FamilyAI},
			{Substring: "ai2bot", Label: "AI2Bot", Family: FamilyAI},
			{Substring: "mistralai-user", Label: "MistralAI-User", Family: FamilyAI},

			// Search engines
			{Substring: "googlebot", Label: "Googlebot", Family: FamilySearch},
			{Substring: "bingbot", Label: "Bingbot", Family: FamilySearch},
			{Substring: "slurp", Label: "Yahoo Slurp", Family: FamilySearch},
			{Substring: "duckduckbot", Label: "DuckDuckBot", Family: FamilySearch},
			{Substring: "baiduspider", Label: "Baiduspider", Family: FamilySearch},
			{Substring: "yandexbot", Label: "YandexBot", Family: FamilySearch},
			{Substring: "applebot", Label: "Applebot", Family: FamilySearch},

			// Social unfurlers
			{Substring: "facebookexternalhit", Label: "FacebookExternalHit", Family: FamilySocial},
			{Substring: "twitterbot", Label: "Twitterbot", Family: FamilySocial},
			{Substring: "linkedinbot", Label: "LinkedInBot", Family: FamilySocial},
			{Substring: "slackbot", Label: "Slackbot", Family: FamilySocial},
			{Substring: "discordbot", Label: "Discordbot", Family: FamilySocial},
			{Substring: "telegrambot", Label: "TelegramBot", Family: FamilySocial},
			{Substring: "whatsapp", Label: "WhatsApp", Family: FamilySocial},

			// SEO and research crawlers
			{Substring: "ahrefsbot", Label: "AhrefsBot", Family: FamilySEO},
			{Substring: "semrushbot", Label: "SemrushBot", Family: FamilySEO},
			{Substring: "mj12bot", Label: "MJ12bot", Family: FamilySEO},
			{Substring: "dotbot", Label: "DotBot", Family: FamilySEO},
			{Substring: "screaming frog", Label: "Screaming Frog", Family: FamilySEO},

			// Archives
			{Substring: "ia_archiver", Label: "ia_archiver", Family: FamilyArchive},
			{Substring: "archive.org_bot", Label: "Internet Archive", Family: FamilyArchive},
		},
		Generic: GenericTier{
			Indicators: []string{"bot", "crawler", "spider", "scraper", "agent"},
			Label:      DefaultGenericLabel,
			Confidence: DefaultGenericConfidence,
		},
		Human: HumanTier{
			Label:      DefaultHumanLabel,
			Confidence: DefaultHumanConfidence,
		},
	}
}
