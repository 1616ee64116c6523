package document

// AddElement inserts a new element of type t after afterIndex, or at the end
// when afterIndex is Append or out of range. A text element spawned by a line
// break passes HintParagraph and starts as an empty paragraph.
func AddElement(block Block, t ElementType, afterIndex int, hint StyleHint) Block {
	if !t.Valid() {
		return block
	}
	return InsertElement(block, Element{
		ID:      newElementID(),
		Type:    t,
		Content: DefaultContent(t, hint),
	}, afterIndex)
}

// InsertElement places el after afterIndex, or at the end. This is the insert
// half of moving an element into another block.
func InsertElement(block Block, el Element, afterIndex int) Block {
	at := len(block.Content.Elements)
	if afterIndex >= 0 && afterIndex < at {
		at = afterIndex + 1
	}
	return placeElement(block, el, at)
}

func placeElement(block Block, el Element, at int) Block {
	out := block.Clone()
	out.Content.Elements = renumberElements(insertAt(out.Content.Elements, at, el.clone()))
	return out
}

// UpdateElement replaces the element's payload. Order and id are kept. A
// payload of a different kind than the element is ignored.
func UpdateElement(block Block, elementID string, content Content) Block {
	i := block.elementIndex(elementID)
	if i < 0 || content == nil || content.Kind() != block.Content.Elements[i].Type {
		return block
	}
	out := block.Clone()
	out.Content.Elements[i].Content = content.clone()
	return out
}

// DeleteElement removes the element from the block.
func DeleteElement(block Block, elementID string) Block {
	i := block.elementIndex(elementID)
	if i < 0 {
		return block
	}
	out := block.Clone()
	elements := append(out.Content.Elements[:i:i], out.Content.Elements[i+1:]...)
	out.Content.Elements = renumberElements(elements)
	return out
}

// MoveElement reorders within one block: the source element is taken out and
// put back at the index the target element held. Moves across blocks go
// through TransferElement instead, so source and target must be the same
// block; anything else is a no-op returning source.
func MoveElement(source, target Block, sourceElementID, targetElementID string) Block {
	if source.ID != target.ID || sourceElementID == targetElementID {
		return source
	}
	from := source.elementIndex(sourceElementID)
	to := source.elementIndex(targetElementID)
	if from < 0 || to < 0 {
		return source
	}
	out := source.Clone()
	moved := out.Content.Elements[from]
	rest := append(out.Content.Elements[:from:from], out.Content.Elements[from+1:]...)
	out.Content.Elements = renumberElements(insertAt(rest, to, moved))
	return out
}

// TransferElement moves an element between blocks as a delete from the source
// followed by an insert into the destination at the target element's
// position, or at the end when targetElementID is empty or unknown. The
// element keeps its id unless the destination already uses it.
func TransferElement(blocks []Block, sourceBlockID, elementID, targetBlockID, targetElementID string) []Block {
	if sourceBlockID == targetBlockID {
		return UpdateBlock(blocks, sourceBlockID, func(b Block) Block {
			return MoveElement(b, b, elementID, targetElementID)
		})
	}
	source, ok := FindBlock(blocks, sourceBlockID)
	if !ok {
		return blocks
	}
	target, ok := FindBlock(blocks, targetBlockID)
	if !ok {
		return blocks
	}
	i := source.elementIndex(elementID)
	if i < 0 {
		return blocks
	}
	moved := source.Content.Elements[i].clone()
	if target.elementIndex(moved.ID) >= 0 {
		moved.ID = newElementID()
	}

	at := target.elementIndex(targetElementID)
	if at < 0 {
		at = len(target.Content.Elements)
	}
	target = placeElement(target, moved, at)

	out := UpdateBlock(blocks, sourceBlockID, func(b Block) Block {
		return DeleteElement(b, elementID)
	})
	return UpdateBlock(out, targetBlockID, func(Block) Block { return target })
}

// FindElement returns the element with the given id inside block.
func FindElement(block Block, elementID string) (Element, bool) {
	i := block.elementIndex(elementID)
	if i < 0 {
		return Element{}, false
	}
	return block.Content.Elements[i], true
}
