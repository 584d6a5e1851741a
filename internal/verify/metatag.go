package verify

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"formbridge/internal/models"
)

// MetaTagName is the name attribute the meta tag method looks for.
const MetaTagName = "form-bridge-verification"

// MetaTag renders the tag a site should place in its home page head.
func MetaTag(proof string) string {
	return fmt.Sprintf(`<meta name="%s" content="%s">`, MetaTagName, proof)
}

// MetaTagMethod verifies a <meta> tag on the site's home page.
type MetaTagMethod struct {
	fetcher *Fetcher
	prover  *Prover
}

func NewMetaTagMethod(fetcher *Fetcher, prover *Prover) *MetaTagMethod {
	return &MetaTagMethod{fetcher: fetcher, prover: prover}
}

func (m *MetaTagMethod) Name() string { return models.VerificationMethodMetaTag }

func (m *MetaTagMethod) Verify(ctx context.Context, domain, tempKey string) (bool, error) {
	body, err := m.fetcher.Get(ctx, domain, "/")
	if err != nil {
		return false, err
	}
	for _, content := range MetaContents(body, MetaTagName) {
		if m.prover.Matches(domain, tempKey, content) {
			return true, nil
		}
	}
	return false, nil
}

// MetaContents returns the content attribute of every <meta> whose name
// matches, case-insensitively.
func MetaContents(body []byte, name string) []string {
	var out []string
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "meta" {
				continue
			}
			var metaName, content string
			for _, a := range tok.Attr {
				switch strings.ToLower(a.Key) {
				case "name":
					metaName = a.Val
				case "content":
					content = a.Val
				}
			}
			if strings.EqualFold(metaName, name) {
				out = append(out, strings.TrimSpace(content))
			}
		}
	}
}
