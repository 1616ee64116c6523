package document

// PricingTotals is the computed summary of a pricing element.
type PricingTotals struct {
	Currency string  `json:"currency"`
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Total    float64 `json:"total"`
}

// Totals computes subtotal, discount and total for a pricing table.
func Totals(p PricingContent) PricingTotals {
	p = p.normalized()
	var subtotal float64
	for _, item := range p.LineItems {
		subtotal += item.Quantity * item.UnitPrice
	}
	var discount float64
	switch p.Discount.Type {
	case DiscountPercentage:
		discount = subtotal * p.Discount.Value / 100
	case DiscountFixed:
		discount = p.Discount.Value
	}
	return PricingTotals{
		Currency: p.Currency,
		Subtotal: subtotal,
		Discount: discount,
		Total:    subtotal - discount,
	}
}

// Total sums the totals of every pricing element the public view shows. The
// second result is false when there is no pricing element at all.
func Total(blocks []Block) (float64, bool) {
	var (
		sum   float64
		found bool
	)
	for _, b := range PublicBlocks(blocks) {
		for _, el := range b.Content.Elements {
			if pricing, ok := el.Content.(PricingContent); ok {
				sum += Totals(pricing).Total
				found = true
			}
		}
	}
	return sum, found
}
