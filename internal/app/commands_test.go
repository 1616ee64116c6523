package app

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowidly/api/internal/document"
	"flowidly/api/internal/session"
)

func draftWithBlocks(n int) session.Draft {
	var blocks []document.Block
	for i := 0; i < n; i++ {
		blocks = document.AddBlock(blocks, document.Append)
	}
	return session.Draft{ID: "sess_1", ProposalID: "p-1", UserID: "u-1", Blocks: blocks}
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestApplyCommandUnknownOp(t *testing.T) {
	d := draftWithBlocks(1)
	err := applyCommand(&d, Command{Op: "explode"})
	requireDomainError(t, err, http.StatusBadRequest, "UNKNOWN_OP")
}

func TestApplyBlockCommands(t *testing.T) {
	d := draftWithBlocks(2)
	first, second := d.Blocks[0].ID.String(), d.Blocks[1].ID.String()

	require.NoError(t, applyCommand(&d, Command{Op: "addBlock", AfterIndex: intPtr(0)}))
	require.Len(t, d.Blocks, 3)
	assert.Equal(t, first, d.Blocks[0].ID.String())
	assert.Equal(t, second, d.Blocks[2].ID.String())

	require.NoError(t, applyCommand(&d, Command{Op: "moveBlock", BlockID: second, Direction: "up"}))
	assert.Equal(t, second, d.Blocks[1].ID.String())

	err := applyCommand(&d, Command{Op: "moveBlock", BlockID: second, Direction: "left"})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	require.NoError(t, applyCommand(&d, Command{Op: "duplicateBlock", BlockID: first}))
	require.Len(t, d.Blocks, 4)
	assert.True(t, d.Blocks[1].ID.IsPending())
	assert.NotEqual(t, first, d.Blocks[1].ID.String())

	require.NoError(t, applyCommand(&d, Command{Op: "setBlockColor", BlockID: first, Color: "#101010"}))
	assert.Equal(t, "#101010", d.Blocks[0].BackgroundColor)
	assert.Equal(t, "#101010", d.Blocks[0].Content.BackgroundColor)

	err = applyCommand(&d, Command{Op: "setBlockVisibility", BlockID: first})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
	require.NoError(t, applyCommand(&d, Command{Op: "setBlockVisibility", BlockID: first, Visible: boolPtr(false)}))
	assert.False(t, d.Blocks[0].Visible)

	require.NoError(t, applyCommand(&d, Command{Op: "deleteBlock", BlockID: first}))
	require.Len(t, d.Blocks, 3)
	for i, b := range d.Blocks {
		assert.Equal(t, i, b.Order)
	}
}

func TestUnknownIDsAreNoops(t *testing.T) {
	d := draftWithBlocks(2)
	before := d.Blocks

	for _, cmd := range []Command{
		{Op: "moveBlock", BlockID: "missing", Direction: "down"},
		{Op: "duplicateBlock", BlockID: "missing"},
		{Op: "deleteBlock", BlockID: "missing"},
		{Op: "addElement", BlockID: "missing", ElementType: "text"},
		{Op: "updateElement", BlockID: "missing", ElementID: "x", Content: json.RawMessage(`{}`)},
		{Op: "updateElement", BlockID: before[0].ID.String(), ElementID: "x", Content: json.RawMessage(`{}`)},
		{Op: "deleteElement", BlockID: before[0].ID.String(), ElementID: "x"},
		{Op: "moveElement", BlockID: before[0].ID.String(), TargetBlockID: "missing"},
		{Op: "transferElement", BlockID: "missing", ElementID: "x", TargetBlockID: before[1].ID.String()},
		{Op: "pasteStyle", BlockID: before[0].ID.String(), ElementID: "x"},
	} {
		require.NoError(t, applyCommand(&d, cmd), cmd.Op)
		assert.Equal(t, before, d.Blocks, cmd.Op)
	}
}

func TestApplyElementCommands(t *testing.T) {
	d := draftWithBlocks(2)
	blockID := d.Blocks[0].ID.String()

	err := applyCommand(&d, Command{Op: "addElement", BlockID: blockID, ElementType: "carousel"})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	require.NoError(t, applyCommand(&d, Command{Op: "addElement", BlockID: blockID, ElementType: "button"}))
	require.NoError(t, applyCommand(&d, Command{Op: "addElement", BlockID: blockID, ElementType: "text", StyleHint: "paragraph", AfterIndex: intPtr(0)}))
	elements := d.Blocks[0].Content.Elements
	require.Len(t, elements, 3)
	assert.Equal(t, document.TextContent{HTML: "<p></p>"}, elements[1].Content)
	button := elements[2]

	require.NoError(t, applyCommand(&d, Command{
		Op:        "updateElement",
		BlockID:   blockID,
		ElementID: button.ID,
		Content:   json.RawMessage(`{"buttonText":"Accept","buttonUrl":"https://sign.example","buttonColor":"#00AA00"}`),
	}))
	updated, ok := document.FindElement(d.Blocks[0], button.ID)
	require.True(t, ok)
	assert.Equal(t, document.ButtonContent{Text: "Accept", URL: "https://sign.example", Color: "#00AA00"}, updated.Content)

	err = applyCommand(&d, Command{Op: "updateElement", BlockID: blockID, ElementID: button.ID, Content: json.RawMessage(`[1,2]`)})
	requireDomainError(t, err, http.StatusBadRequest, "INVALID_CONTENT")

	first := d.Blocks[0].Content.Elements[0].ID
	require.NoError(t, applyCommand(&d, Command{Op: "moveElement", BlockID: blockID, ElementID: button.ID, TargetElementID: first}))
	assert.Equal(t, button.ID, d.Blocks[0].Content.Elements[0].ID)

	target := d.Blocks[1].ID.String()
	require.NoError(t, applyCommand(&d, Command{Op: "transferElement", BlockID: blockID, ElementID: button.ID, TargetBlockID: target}))
	assert.Len(t, d.Blocks[0].Content.Elements, 2)
	require.Len(t, d.Blocks[1].Content.Elements, 2)
	assert.Equal(t, button.ID, d.Blocks[1].Content.Elements[1].ID)

	require.NoError(t, applyCommand(&d, Command{Op: "deleteElement", BlockID: target, ElementID: button.ID}))
	assert.Len(t, d.Blocks[1].Content.Elements, 1)
}

func TestCopyAndPasteStyleThroughDraft(t *testing.T) {
	d := draftWithBlocks(1)
	blockID := d.Blocks[0].ID.String()
	require.NoError(t, applyCommand(&d, Command{Op: "addElement", BlockID: blockID, ElementType: "button"}))
	require.NoError(t, applyCommand(&d, Command{Op: "addElement", BlockID: blockID, ElementType: "button"}))
	source, target := d.Blocks[0].Content.Elements[1], d.Blocks[0].Content.Elements[2]
	require.NoError(t, applyCommand(&d, Command{
		Op: "updateElement", BlockID: blockID, ElementID: source.ID,
		Content: json.RawMessage(`{"buttonText":"Pay","buttonColor":"#FF0000"}`),
	}))

	require.NoError(t, applyCommand(&d, Command{Op: "copyStyle", BlockID: blockID, ElementID: source.ID}))
	require.NotNil(t, d.CopiedStyle)
	assert.Equal(t, "#FF0000", d.CopiedStyle.ButtonColor)

	require.NoError(t, applyCommand(&d, Command{Op: "pasteStyle", BlockID: blockID, ElementID: target.ID}))
	pasted, _ := document.FindElement(d.Blocks[0], target.ID)
	assert.Equal(t, document.ButtonContent{Text: "Click me", Color: "#FF0000"}, pasted.Content)
}
