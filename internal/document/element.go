package document

import (
	"encoding/json"
	"fmt"
)

// ElementType is the closed set of element kinds a block can hold.
type ElementType string

const (
	TypeText    ElementType = "text"
	TypeButton  ElementType = "button"
	TypeImage   ElementType = "image"
	TypeVideo   ElementType = "video"
	TypeDivider ElementType = "divider"
	TypeSpacer  ElementType = "spacer"
	TypePricing ElementType = "pricing"
)

// Valid reports whether t is one of the known element kinds.
func (t ElementType) Valid() bool {
	switch t {
	case TypeText, TypeButton, TypeImage, TypeVideo, TypeDivider, TypeSpacer, TypePricing:
		return true
	}
	return false
}

// RichText is formatted markup produced by the external text editor. It is
// stored and rendered as-is and never parsed here.
type RichText string

// Content is the type-specific payload of an element.
type Content interface {
	Kind() ElementType
	clone() Content
}

type TextContent struct {
	HTML RichText `json:"html"`
}

type ButtonContent struct {
	Text  string `json:"buttonText"`
	URL   string `json:"buttonUrl"`
	Color string `json:"buttonColor,omitempty"`
}

type ImageContent struct {
	URL string `json:"imageUrl"`
	Alt string `json:"imageAlt,omitempty"`
}

type VideoContent struct {
	URL string `json:"videoUrl"`
}

type DividerContent struct{}

type SpacerContent struct{}

type PricingContent struct {
	LineItems []LineItem `json:"lineItems"`
	Discount  Discount   `json:"discount"`
	Currency  string     `json:"currency"`
}

type LineItem struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type DiscountType string

const (
	DiscountNone       DiscountType = "none"
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Discount struct {
	Type  DiscountType `json:"type"`
	Value float64      `json:"value"`
}

const DefaultCurrency = "USD"

func (TextContent) Kind() ElementType    { return TypeText }
func (ButtonContent) Kind() ElementType  { return TypeButton }
func (ImageContent) Kind() ElementType   { return TypeImage }
func (VideoContent) Kind() ElementType   { return TypeVideo }
func (DividerContent) Kind() ElementType { return TypeDivider }
func (SpacerContent) Kind() ElementType  { return TypeSpacer }
func (PricingContent) Kind() ElementType { return TypePricing }

func (c TextContent) clone() Content    { return c }
func (c ButtonContent) clone() Content  { return c }
func (c ImageContent) clone() Content   { return c }
func (c VideoContent) clone() Content   { return c }
func (c DividerContent) clone() Content { return c }
func (c SpacerContent) clone() Content  { return c }

func (c PricingContent) clone() Content {
	if c.LineItems != nil {
		items := make([]LineItem, len(c.LineItems))
		copy(items, c.LineItems)
		c.LineItems = items
	}
	return c
}

// Element is one typed unit of content inside a block. Its ID is unique only
// within the owning block.
type Element struct {
	ID      string
	Type    ElementType
	Order   int
	Content Content
}

type elementJSON struct {
	ID      string          `json:"id"`
	Type    ElementType     `json:"type"`
	Content json.RawMessage `json:"content"`
	Order   int             `json:"display_order"`
}

func (e Element) MarshalJSON() ([]byte, error) {
	content := e.Content
	if content == nil {
		content = DefaultContent(e.Type, HintHeading)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal element content: %w", err)
	}
	return json.Marshal(elementJSON{ID: e.ID, Type: e.Type, Content: raw, Order: e.Order})
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var wire elementJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := DecodeContent(wire.Type, wire.Content)
	if err != nil {
		return err
	}
	*e = Element{ID: wire.ID, Type: wire.Type, Order: wire.Order, Content: content}
	return nil
}

// DecodeContent parses a stored payload for the given element type. Missing
// fields take the type's defaults.
func DecodeContent(t ElementType, raw json.RawMessage) (Content, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown element type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	switch t {
	case TypeText:
		var c TextContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode text content: %w", err)
		}
		return c, nil
	case TypeButton:
		var c ButtonContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode button content: %w", err)
		}
		return c, nil
	case TypeImage:
		var c ImageContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode image content: %w", err)
		}
		return c, nil
	case TypeVideo:
		var c VideoContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode video content: %w", err)
		}
		return c, nil
	case TypeDivider:
		return DividerContent{}, nil
	case TypeSpacer:
		return SpacerContent{}, nil
	default:
		var c PricingContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode pricing content: %w", err)
		}
		return c.normalized(), nil
	}
}

func (c PricingContent) normalized() PricingContent {
	if c.LineItems == nil {
		c.LineItems = []LineItem{}
	}
	if c.Discount.Type == "" {
		c.Discount.Type = DiscountNone
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	return c
}

// StyleHint picks the default markup of a new text element.
type StyleHint string

const (
	HintHeading   StyleHint = "h1"
	HintParagraph StyleHint = "paragraph"
)

const (
	headingMarkup   RichText = `<h1 style="text-align: center"></h1>`
	paragraphMarkup RichText = `<p></p>`
)

// DefaultContent returns the payload a freshly added element of type t starts
// with.
func DefaultContent(t ElementType, hint StyleHint) Content {
	switch t {
	case TypeText:
		if hint == HintParagraph {
			return TextContent{HTML: paragraphMarkup}
		}
		return TextContent{HTML: headingMarkup}
	case TypeButton:
		return ButtonContent{Text: "Click me"}
	case TypeImage:
		return ImageContent{}
	case TypeVideo:
		return VideoContent{}
	case TypeDivider:
		return DividerContent{}
	case TypeSpacer:
		return SpacerContent{}
	case TypePricing:
		return PricingContent{}.normalized()
	default:
		return nil
	}
}

func (e Element) clone() Element {
	if e.Content != nil {
		e.Content = e.Content.clone()
	}
	return e
}
