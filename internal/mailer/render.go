package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

const (
	BannerRepliesOpen   = "You can reply to this email directly."
	BannerRepliesClosed = "Replies to this email are not monitored."
)

// md renders campaign bodies. Raw HTML in the markdown is escaped
// (WithUnsafe is not set).
var md = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

var layout = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family:sans-serif;line-height:1.5">
<div class="content">{{.Body}}</div>
{{- if .Signature}}
<div class="signature" style="white-space:pre-line;margin-top:24px">{{.Signature}}</div>
{{- end}}
<p class="reply-policy" style="color:#666;font-size:12px;margin-top:24px">{{.Banner}}</p>
<p class="unsubscribe" style="color:#666;font-size:12px"><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
<img src="{{.PixelURL}}" width="1" height="1" alt="" style="display:none">
</body>
</html>
`))

type layoutData struct {
	Body           template.HTML
	Signature      string
	Banner         string
	UnsubscribeURL string
	PixelURL       string
}

// Content is what every recipient of one campaign shares.
type Content struct {
	Subject      string
	Body         string
	AllowReplies bool
	Tenant       model.Tenant
}

// Renderer turns shared content into per-recipient messages.
type Renderer struct {
	baseURL string
}

func NewRenderer(publicBaseURL string) *Renderer {
	return &Renderer{baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (r *Renderer) UnsubscribeURL(token string) string {
	return r.baseURL + "/unsubscribe/" + url.PathEscape(token)
}

func (r *Renderer) PixelURL(token string) string {
	return r.baseURL + "/o/" + url.PathEscape(token) + ".gif"
}

// Prepared holds the markdown conversion so a chunk converts its body once.
type Prepared struct {
	r        *Renderer
	content  Content
	bodyHTML string
}

func (r *Renderer) Prepare(c Content) (*Prepared, error) {
	if strings.TrimSpace(c.Subject) == "" {
		return nil, fmt.Errorf("render: empty subject")
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(c.Body), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return &Prepared{r: r, content: c, bodyHTML: buf.String()}, nil
}

func (p *Prepared) banner() string {
	if p.content.AllowReplies {
		return BannerRepliesOpen
	}
	return BannerRepliesClosed
}

func (p *Prepared) replyTo(token string) string {
	if !p.content.AllowReplies {
		return ""
	}
	if p.content.Tenant.ReplyDomain != "" {
		return fmt.Sprintf("reply+%s@%s", token, p.content.Tenant.ReplyDomain)
	}
	return p.content.Tenant.SenderEmail
}

func (p *Prepared) headers(token, unsubscribeURL string) map[string]string {
	list := "<" + unsubscribeURL + ">"
	if p.content.Tenant.ReplyDomain != "" {
		list += fmt.Sprintf(", <mailto:unsubscribe+%s@%s>", token, p.content.Tenant.ReplyDomain)
	}
	return map[string]string{
		"List-Unsubscribe":      list,
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}

// Personalize renders the message for one recipient row.
func (p *Prepared) Personalize(rc model.Recipient) (Message, error) {
	unsubscribeURL := p.r.UnsubscribeURL(rc.UnsubscribeKey())

	var buf bytes.Buffer
	err := layout.Execute(&buf, layoutData{
		Body:           template.HTML(RenderTemplate(p.bodyHTML, recipientData(rc.Name, rc.Address, true))),
		Signature:      p.content.Tenant.Signature,
		Banner:         p.banner(),
		UnsubscribeURL: unsubscribeURL,
		PixelURL:       p.r.PixelURL(rc.Token),
	})
	if err != nil {
		return Message{}, fmt.Errorf("render layout: %w", err)
	}

	return Message{
		Ref:     rc.Token,
		To:      rc.Address,
		From:    p.content.Tenant.From(),
		ReplyTo: p.replyTo(rc.Token),
		Subject: RenderTemplate(p.content.Subject, recipientData(rc.Name, rc.Address, false)),
		HTML:    buf.String(),
		Text:    p.text(rc, unsubscribeURL),
		Headers: p.headers(rc.UnsubscribeKey(), unsubscribeURL),
	}, nil
}

func (p *Prepared) text(rc model.Recipient, unsubscribeURL string) string {
	var b strings.Builder
	b.WriteString(RenderTemplate(p.content.Body, recipientData(rc.Name, rc.Address, false)))
	b.WriteString("\n\n")
	if sig := p.content.Tenant.Signature; sig != "" {
		b.WriteString("-- \n")
		b.WriteString(sig)
		b.WriteString("\n\n")
	}
	b.WriteString(p.banner())
	b.WriteString("\nUnsubscribe: ")
	b.WriteString(unsubscribeURL)
	b.WriteString("\n")
	return b.String()
}
