package document

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultBackground  = "#FFFFFF"
	DefaultSectionType = "text"
)

// Block is a top-level section of a proposal. BackgroundColor is mirrored in
// Content.BackgroundColor and both must always hold the same value.
type Block struct {
	ID              BlockID
	Order           int
	SectionType     string
	Title           string
	BackgroundColor string
	Content         BlockContent
	Visible         bool
}

// BlockContent is the persisted JSON payload of a block.
type BlockContent struct {
	BackgroundColor string    `json:"background_color"`
	Elements        []Element `json:"elements"`
}

type blockJSON struct {
	ID              string       `json:"id"`
	Pending         bool         `json:"pending"`
	Order           int          `json:"order"`
	SectionType     string       `json:"sectionType"`
	Title           string       `json:"title"`
	BackgroundColor string       `json:"backgroundColor"`
	Content         BlockContent `json:"content"`
	Visible         bool         `json:"visible"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	content := b.Content
	if content.Elements == nil {
		content.Elements = []Element{}
	}
	return json.Marshal(blockJSON{
		ID:              b.ID.String(),
		Pending:         b.ID.IsPending(),
		Order:           b.Order,
		SectionType:     b.SectionType,
		Title:           b.Title,
		BackgroundColor: b.BackgroundColor,
		Content:         content,
		Visible:         b.Visible,
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var wire blockJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode block: %w", err)
	}
	id := PersistedID(wire.ID)
	if wire.Pending {
		id = PendingID(wire.ID)
	}
	*b = Block{
		ID:              id,
		Order:           wire.Order,
		SectionType:     wire.SectionType,
		Title:           wire.Title,
		BackgroundColor: wire.BackgroundColor,
		Content:         wire.Content,
		Visible:         wire.Visible,
	}
	return nil
}

// NewBlock returns a visible white block holding one empty centered heading.
func NewBlock() Block {
	return Block{
		ID:              NewPendingID(),
		SectionType:     DefaultSectionType,
		BackgroundColor: DefaultBackground,
		Content: BlockContent{
			BackgroundColor: DefaultBackground,
			Elements: []Element{{
				ID:      newElementID(),
				Type:    TypeText,
				Content: DefaultContent(TypeText, HintHeading),
			}},
		},
		Visible: true,
	}
}

// Clone returns a deep copy sharing no element storage with b.
func (b Block) Clone() Block {
	if b.Content.Elements != nil {
		elements := make([]Element, len(b.Content.Elements))
		for i, el := range b.Content.Elements {
			elements[i] = el.clone()
		}
		b.Content.Elements = elements
	}
	return b
}

func (b Block) elementIndex(id string) int {
	for i, el := range b.Content.Elements {
		if el.ID == id {
			return i
		}
	}
	return -1
}

// IsLast reports whether el sits at the end of b, where the editor offers to
// add the next element.
func IsLast(b Block, el Element) bool {
	return el.Order == len(b.Content.Elements)-1
}
