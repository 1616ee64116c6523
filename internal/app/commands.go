package app

import (
	"encoding/json"

	"flowidly/api/internal/document"
	"flowidly/api/internal/session"
)

// Command is one editor operation against a draft. Which fields matter
// depends on Op.
type Command struct {
	Op              string          `json:"op"`
	BlockID         string          `json:"blockId"`
	TargetBlockID   string          `json:"targetBlockId"`
	ElementID       string          `json:"elementId"`
	TargetElementID string          `json:"targetElementId"`
	AfterIndex      *int            `json:"afterIndex"`
	Direction       string          `json:"direction"`
	Color           string          `json:"color"`
	Visible         *bool           `json:"visible"`
	ElementType     string          `json:"elementType"`
	StyleHint       string          `json:"styleHint"`
	Content         json.RawMessage `json:"content"`
}

func (c Command) afterIndex() int {
	if c.AfterIndex == nil {
		return document.Append
	}
	return *c.AfterIndex
}

type commandFunc func(*session.Draft, Command) error

var commands = map[string]commandFunc{
	"addBlock":           addBlockCommand,
	"moveBlock":          moveBlockCommand,
	"duplicateBlock":     duplicateBlockCommand,
	"deleteBlock":        deleteBlockCommand,
	"setBlockColor":      setBlockColorCommand,
	"setBlockVisibility": setBlockVisibilityCommand,
	"addElement":         addElementCommand,
	"updateElement":      updateElementCommand,
	"deleteElement":      deleteElementCommand,
	"moveElement":        moveElementCommand,
	"transferElement":    transferElementCommand,
	"copyStyle":          copyStyleCommand,
	"pasteStyle":         pasteStyleCommand,
}

// applyCommand runs cmd against the draft's blocks. Ids that match nothing
// leave the draft unchanged.
func applyCommand(draft *session.Draft, cmd Command) error {
	fn, ok := commands[cmd.Op]
	if !ok {
		return badRequest("UNKNOWN_OP", "unknown command op")
	}
	return fn(draft, cmd)
}

func addBlockCommand(d *session.Draft, c Command) error {
	d.Blocks = document.AddBlock(d.Blocks, c.afterIndex())
	return nil
}

func moveBlockCommand(d *session.Draft, c Command) error {
	dir := document.Direction(c.Direction)
	if dir != document.Up && dir != document.Down {
		return badRequest("VALIDATION_ERROR", "direction must be up or down")
	}
	d.Blocks = document.MoveBlock(d.Blocks, c.BlockID, dir)
	return nil
}

func duplicateBlockCommand(d *session.Draft, c Command) error {
	d.Blocks = document.DuplicateBlock(d.Blocks, c.BlockID)
	return nil
}

func deleteBlockCommand(d *session.Draft, c Command) error {
	d.Blocks = document.DeleteBlock(d.Blocks, c.BlockID)
	return nil
}

func setBlockColorCommand(d *session.Draft, c Command) error {
	if c.Color == "" {
		return badRequest("VALIDATION_ERROR", "color is required")
	}
	d.Blocks = document.SetBlockColor(d.Blocks, c.BlockID, c.Color)
	return nil
}

func setBlockVisibilityCommand(d *session.Draft, c Command) error {
	if c.Visible == nil {
		return badRequest("VALIDATION_ERROR", "visible is required")
	}
	d.Blocks = document.SetBlockVisibility(d.Blocks, c.BlockID, *c.Visible)
	return nil
}

func addElementCommand(d *session.Draft, c Command) error {
	t := document.ElementType(c.ElementType)
	if !t.Valid() {
		return badRequest("VALIDATION_ERROR", "unknown element type")
	}
	hint := document.StyleHint(c.StyleHint)
	d.Blocks = document.UpdateBlock(d.Blocks, c.BlockID, func(b document.Block) document.Block {
		return document.AddElement(b, t, c.afterIndex(), hint)
	})
	return nil
}

func updateElementCommand(d *session.Draft, c Command) error {
	block, ok := document.FindBlock(d.Blocks, c.BlockID)
	if !ok {
		return nil
	}
	el, ok := document.FindElement(block, c.ElementID)
	if !ok {
		return nil
	}
	content, err := document.DecodeContent(el.Type, c.Content)
	if err != nil {
		return badRequest("INVALID_CONTENT", err.Error())
	}
	d.Blocks = document.UpdateBlock(d.Blocks, c.BlockID, func(b document.Block) document.Block {
		return document.UpdateElement(b, c.ElementID, content)
	})
	return nil
}

func deleteElementCommand(d *session.Draft, c Command) error {
	d.Blocks = document.UpdateBlock(d.Blocks, c.BlockID, func(b document.Block) document.Block {
		return document.DeleteElement(b, c.ElementID)
	})
	return nil
}

func moveElementCommand(d *session.Draft, c Command) error {
	targetBlockID := c.TargetBlockID
	if targetBlockID == "" {
		targetBlockID = c.BlockID
	}
	target, ok := document.FindBlock(d.Blocks, targetBlockID)
	if !ok {
		return nil
	}
	d.Blocks = document.UpdateBlock(d.Blocks, c.BlockID, func(b document.Block) document.Block {
		return document.MoveElement(b, target, c.ElementID, c.TargetElementID)
	})
	return nil
}

func transferElementCommand(d *session.Draft, c Command) error {
	d.Blocks = document.TransferElement(d.Blocks, c.BlockID, c.ElementID, c.TargetBlockID, c.TargetElementID)
	return nil
}

func copyStyleCommand(d *session.Draft, c Command) error {
	block, ok := document.FindBlock(d.Blocks, c.BlockID)
	if !ok {
		return nil
	}
	el, ok := document.FindElement(block, c.ElementID)
	if !ok {
		return nil
	}
	style := document.CopyStyle(el)
	d.CopiedStyle = &style
	return nil
}

func pasteStyleCommand(d *session.Draft, c Command) error {
	if d.CopiedStyle == nil {
		return nil
	}
	style := *d.CopiedStyle
	d.Blocks = document.UpdateBlock(d.Blocks, c.BlockID, func(b document.Block) document.Block {
		return document.PasteStyle(b, c.ElementID, style)
	})
	return nil
}
