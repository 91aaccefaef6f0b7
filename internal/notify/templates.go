package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Template keys accepted by SendImmediate. The catalog is fixed at build
// time; there is no runtime registration.
const (
	TplListingApproved = "listing_approved"
	TplPriceSuggestion = "price_suggestion"
	TplPaymentReceipt  = "payment_receipt"
	TplOperatorAlert   = "operator_alert"
	TplDigest          = "digest"
)

type template struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

var catalog = buildCatalog()

func buildCatalog() map[string]template {
	mk := func(key, subject, html, text string) template {
		return template{
			subject: texttemplate.Must(texttemplate.New(key + ".subject").Parse(subject)),
			html:    htmltemplate.Must(htmltemplate.New(key + ".html").Parse(html)),
			text:    texttemplate.Must(texttemplate.New(key + ".text").Parse(text)),
		}
	}
	return map[string]template{
		TplListingApproved: mk(TplListingApproved,
			`Your listing "{{.listing_title}}" is live`,
			`<p>Hi {{.name}},</p><p>Your listing <strong>{{.listing_title}}</strong> was approved and is now visible to buyers.</p>`,
			`Hi {{.name}}, your listing "{{.listing_title}}" was approved and is now live.`,
		),
		TplPriceSuggestion: mk(TplPriceSuggestion,
			`Price suggestion for "{{.listing_title}}"`,
			`<p>Hi {{.name}},</p><p>Based on recent market activity we suggest pricing <strong>{{.listing_title}}</strong> at <strong>{{.suggested_price}} {{.currency}}</strong>.</p>`,
			`Hi {{.name}}, we suggest pricing "{{.listing_title}}" at {{.suggested_price}} {{.currency}}.`,
		),
		TplPaymentReceipt: mk(TplPaymentReceipt,
			`Receipt {{.reference}}`,
			`<p>Hi {{.name}},</p><p>We received your payment of <strong>{{.amount}} {{.currency}}</strong>. Reference: {{.reference}}.</p>`,
			`Hi {{.name}}, we received your payment of {{.amount}} {{.currency}} (ref {{.reference}}).`,
		),
		TplOperatorAlert: mk(TplOperatorAlert,
			`[autopilot] {{.summary}}`,
			`<p><strong>{{.summary}}</strong></p><pre>{{.detail}}</pre>`,
			`{{.summary}}{{if .detail}}

{{.detail}}{{end}}`,
		),
		TplDigest: mk(TplDigest,
			`Your activity digest`,
			`<p>Hi {{.name}},</p><ul>{{range .items}}<li>{{.}}</li>{{end}}</ul>`,
			`Hi {{.name}}, here is your digest:
{{range .items}}- {{.}}
{{end}}`,
		),
	}
}

// TemplateKeys returns the catalog keys, for diagnostics.
func TemplateKeys() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	return out
}

func (t template) render(data map[string]any) (subject, html, text string, err error) {
	var buf bytes.Buffer
	if err = t.subject.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err = t.html.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}
	html = buf.String()

	buf.Reset()
	if err = t.text.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}
	text = buf.String()
	return subject, html, text, nil
}
