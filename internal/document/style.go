package document

// Style is the subset of element content that copy/paste carries between
// elements. It lives in the editing session, never in storage.
type Style struct {
	ButtonColor string `json:"buttonColor,omitempty"`
}

// CopyStyle reads the copyable fields of el.
func CopyStyle(el Element) Style {
	if button, ok := el.Content.(ButtonContent); ok {
		return Style{ButtonColor: button.Color}
	}
	return Style{}
}

// PasteStyle applies style to the element. Only button elements carry a
// color, so other element kinds are left alone.
func PasteStyle(block Block, elementID string, style Style) Block {
	el, ok := FindElement(block, elementID)
	if !ok {
		return block
	}
	button, ok := el.Content.(ButtonContent)
	if !ok || style.ButtonColor == "" {
		return block
	}
	button.Color = style.ButtonColor
	return UpdateElement(block, elementID, button)
}
