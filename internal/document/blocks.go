package document

// Append as an afterIndex places the new item at the end.
const Append = -1

// Direction of a block move. Up is toward index 0.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// AddBlock inserts a default block after afterIndex, or at the end when
// afterIndex is Append or past the last block.
func AddBlock(blocks []Block, afterIndex int) []Block {
	out := cloneBlocks(blocks, 1)
	at := len(out)
	if afterIndex >= 0 && afterIndex < len(out) {
		at = afterIndex + 1
	}
	out = insertAt(out, at, NewBlock())
	return renumberBlocks(out)
}

// MoveBlock swaps the block with its neighbour in dir. Blocks already at the
// boundary and unknown ids leave the sequence unchanged.
func MoveBlock(blocks []Block, id string, dir Direction) []Block {
	i := blockIndex(blocks, id)
	if i < 0 {
		return blocks
	}
	j := i - 1
	if dir == Down {
		j = i + 1
	} else if dir != Up {
		return blocks
	}
	if j < 0 || j >= len(blocks) {
		return blocks
	}
	out := cloneBlocks(blocks, 0)
	out[i], out[j] = out[j], out[i]
	return renumberBlocks(out)
}

// DuplicateBlock inserts a deep copy of the block right after it. The copy is
// pending and every element and line item in it gets a fresh id.
func DuplicateBlock(blocks []Block, id string) []Block {
	i := blockIndex(blocks, id)
	if i < 0 {
		return blocks
	}
	out := cloneBlocks(blocks, 1)
	out = insertAt(out, i+1, Copy(blocks[i]))
	return renumberBlocks(out)
}

// Copy returns an independent pending copy of b with fresh element ids.
func Copy(b Block) Block {
	dup := b.Clone()
	dup.ID = NewPendingID()
	for i := range dup.Content.Elements {
		el := &dup.Content.Elements[i]
		el.ID = newElementID()
		if pricing, ok := el.Content.(PricingContent); ok {
			for j := range pricing.LineItems {
				pricing.LineItems[j].ID = newElementID()
			}
			el.Content = pricing
		}
	}
	return dup
}

// DeleteBlock removes the block together with its elements.
func DeleteBlock(blocks []Block, id string) []Block {
	i := blockIndex(blocks, id)
	if i < 0 {
		return blocks
	}
	out := make([]Block, 0, len(blocks)-1)
	for j, b := range blocks {
		if j != i {
			out = append(out, b.Clone())
		}
	}
	return renumberBlocks(out)
}

// SetBlockColor sets both copies of the block's background color.
func SetBlockColor(blocks []Block, id, color string) []Block {
	return UpdateBlock(blocks, id, func(b Block) Block {
		b.BackgroundColor = color
		b.Content.BackgroundColor = color
		return b
	})
}

// SetBlockVisibility shows or hides the block in the public view.
func SetBlockVisibility(blocks []Block, id string, visible bool) []Block {
	return UpdateBlock(blocks, id, func(b Block) Block {
		b.Visible = visible
		return b
	})
}

// UpdateBlock replaces the block with fn applied to a copy of it. fn never
// sees the caller's element storage.
func UpdateBlock(blocks []Block, id string, fn func(Block) Block) []Block {
	i := blockIndex(blocks, id)
	if i < 0 {
		return blocks
	}
	out := cloneBlocks(blocks, 0)
	updated := fn(out[i])
	updated.ID = out[i].ID
	out[i] = updated
	return renumberBlocks(out)
}

// FindBlock returns the block with the given id.
func FindBlock(blocks []Block, id string) (Block, bool) {
	i := blockIndex(blocks, id)
	if i < 0 {
		return Block{}, false
	}
	return blocks[i], true
}

// PublicBlocks returns the blocks the read-only viewer shows: visible and
// holding at least one element.
func PublicBlocks(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if !b.Visible || len(b.Content.Elements) == 0 {
			continue
		}
		out = append(out, b.Clone())
	}
	return out
}

func blockIndex(blocks []Block, id string) int {
	if id == "" {
		return -1
	}
	for i, b := range blocks {
		if b.ID.String() == id {
			return i
		}
	}
	return -1
}

func cloneBlocks(blocks []Block, extra int) []Block {
	out := make([]Block, len(blocks), len(blocks)+extra)
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

func insertAt[T any](items []T, at int, item T) []T {
	items = append(items, item)
	copy(items[at+1:], items[at:])
	items[at] = item
	return items
}

func renumberBlocks(blocks []Block) []Block {
	for i := range blocks {
		blocks[i].Order = i
		blocks[i].Content.Elements = renumberElements(blocks[i].Content.Elements)
	}
	return blocks
}

func renumberElements(elements []Element) []Element {
	for i := range elements {
		elements[i].Order = i
	}
	return elements
}
