package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"flowidly/api/internal/document"
)

//go:embed templates/*.html
var templateFS embed.FS

var viewerTemplate = template.Must(template.New("proposal.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/proposal.html"))

type templateData struct {
	Title         string
	ClientName    string
	ClientCompany string
	UpdatedAt     time.Time
	Blocks        []templateBlock
}

type templateBlock struct {
	Title      string
	Background string
	Elements   []templateElement
}

type templateElement struct {
	Type    document.ElementType
	HTML    template.HTML
	Button  document.ButtonContent
	Image   document.ImageContent
	Video   string
	Pricing templatePricing
}

type templatePricing struct {
	Items       []templateLineItem
	Subtotal    string
	Discount    string
	HasDiscount bool
	Total       string
}

type templateLineItem struct {
	Description string
	Quantity    string
	UnitPrice   string
	Amount      string
}

// RenderHTML renders the client-facing viewer. Hidden and empty blocks are
// left out. Text markup is emitted as stored.
func RenderHTML(view View) (string, error) {
	data := templateData{
		Title:         view.Title,
		ClientName:    view.ClientName,
		ClientCompany: view.ClientCompany,
		UpdatedAt:     view.UpdatedAt,
	}
	for _, b := range document.PublicBlocks(view.Blocks) {
		block := templateBlock{Title: b.Title, Background: b.BackgroundColor}
		for _, el := range b.Content.Elements {
			block.Elements = append(block.Elements, toTemplateElement(el, view.Currency))
		}
		data.Blocks = append(data.Blocks, block)
	}

	var buf bytes.Buffer
	if err := viewerTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render proposal: %w", err)
	}
	return buf.String(), nil
}

func toTemplateElement(el document.Element, fallbackCurrency string) templateElement {
	out := templateElement{Type: el.Type}
	switch c := el.Content.(type) {
	case document.TextContent:
		out.HTML = template.HTML(c.HTML)
	case document.ButtonContent:
		out.Button = c
	case document.ImageContent:
		out.Image = c
	case document.VideoContent:
		out.Video = c.URL
	case document.PricingContent:
		if c.Currency == "" {
			c.Currency = fallbackCurrency
		}
		out.Pricing = toTemplatePricing(c)
	}
	return out
}

func toTemplatePricing(p document.PricingContent) templatePricing {
	totals := document.Totals(p)
	out := templatePricing{
		Subtotal:    formatMoney(totals.Subtotal, totals.Currency),
		Discount:    formatMoney(totals.Discount, totals.Currency),
		HasDiscount: totals.Discount > 0,
		Total:       formatMoney(totals.Total, totals.Currency),
	}
	for _, item := range p.LineItems {
		out.Items = append(out.Items, templateLineItem{
			Description: item.Description,
			Quantity:    strconv.FormatFloat(item.Quantity, 'f', -1, 64),
			UnitPrice:   formatMoney(item.UnitPrice, totals.Currency),
			Amount:      formatMoney(item.Quantity*item.UnitPrice, totals.Currency),
		})
	}
	return out
}

func formatMoney(amount float64, currency string) string {
	return strings.TrimSpace(fmt.Sprintf("%s %.2f", currency, amount))
}
