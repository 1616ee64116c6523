package document

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Record is one persisted block row.
type Record struct {
	ID          string          `json:"id"`
	Order       int             `json:"display_order"`
	SectionType string          `json:"section_type"`
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	Visible     bool            `json:"is_visible"`
}

type storedContent struct {
	BackgroundColor string            `json:"background_color"`
	Elements        []json.RawMessage `json:"elements"`
}

// Hydrate turns stored rows into blocks. Rows are ordered by Order. Content
// that cannot be read yields an empty element list and elements that cannot be
// read are dropped. Elements missing an id, or repeating one already seen in
// the block, get a fresh id. An empty proposal gets one default block.
func Hydrate(records []Record) []Block {
	if len(records) == 0 {
		return renumberBlocks([]Block{NewBlock()})
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	blocks := make([]Block, 0, len(sorted))
	for _, rec := range sorted {
		color, elements := hydrateContent(rec.Content)
		sectionType := rec.SectionType
		if sectionType == "" {
			sectionType = DefaultSectionType
		}
		blocks = append(blocks, Block{
			ID:              PersistedID(rec.ID),
			Order:           rec.Order,
			SectionType:     sectionType,
			Title:           rec.Title,
			BackgroundColor: color,
			Content:         BlockContent{BackgroundColor: color, Elements: elements},
			Visible:         rec.Visible,
		})
	}
	return renumberBlocks(blocks)
}

func hydrateContent(raw json.RawMessage) (string, []Element) {
	var stored storedContent
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			stored = storedContent{}
		}
	}
	color := stored.BackgroundColor
	if color == "" {
		color = DefaultBackground
	}
	elements := make([]Element, 0, len(stored.Elements))
	seen := make(map[string]struct{}, len(stored.Elements))
	for _, item := range stored.Elements {
		var el Element
		if err := json.Unmarshal(item, &el); err != nil {
			continue
		}
		if _, dup := seen[el.ID]; el.ID == "" || dup {
			el.ID = newElementID()
		}
		seen[el.ID] = struct{}{}
		elements = append(elements, el)
	}
	sort.SliceStable(elements, func(i, j int) bool { return elements[i].Order < elements[j].Order })
	return color, elements
}

// Flatten is the inverse of Hydrate.
func Flatten(blocks []Block) []Record {
	records := make([]Record, 0, len(blocks))
	for _, b := range blocks {
		records = append(records, toRecord(b))
	}
	return records
}

func toRecord(b Block) Record {
	content := b.Content
	if content.Elements == nil {
		content.Elements = []Element{}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		raw = json.RawMessage(`{"background_color":"` + DefaultBackground + `","elements":[]}`)
	}
	return Record{
		ID:          b.ID.String(),
		Order:       b.Order,
		SectionType: b.SectionType,
		Title:       b.Title,
		Content:     raw,
		Visible:     b.Visible,
	}
}

// SavePlan lists the writes that bring storage in line with the blocks.
// Inserts carry the pending local id so the caller can map it to the id
// storage assigns.
type SavePlan struct {
	Inserts []Record
	Updates []Record
	Deletes []string
}

func (p SavePlan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// PlanSave splits the blocks into inserts and updates, and lists every stored
// id that no longer appears among the blocks as a delete.
func PlanSave(blocks []Block, storedIDs []string) SavePlan {
	plan := SavePlan{}
	present := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		rec := toRecord(b)
		if b.ID.IsPending() {
			plan.Inserts = append(plan.Inserts, rec)
			continue
		}
		present[rec.ID] = struct{}{}
		plan.Updates = append(plan.Updates, rec)
	}
	for _, id := range storedIDs {
		if _, ok := present[id]; !ok {
			plan.Deletes = append(plan.Deletes, id)
		}
	}
	return plan
}

// AssignIDs replaces pending ids with the persisted ids in assigned, keyed by
// local id. Blocks missing from assigned stay pending.
func AssignIDs(blocks []Block, assigned map[string]string) []Block {
	out := cloneBlocks(blocks, 0)
	for i := range out {
		if !out[i].ID.IsPending() {
			continue
		}
		if id, ok := assigned[out[i].ID.String()]; ok {
			out[i].ID = PersistedID(id)
		}
	}
	return out
}

// PersistedIDs returns the storage ids present in blocks.
func PersistedIDs(blocks []Block) []string {
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if !b.ID.IsPending() {
			ids = append(ids, b.ID.String())
		}
	}
	return ids
}

// Fingerprint is a BLAKE2b-256 digest of the flattened blocks. Two block
// sequences with the same fingerprint persist identically.
func Fingerprint(blocks []Block) string {
	payload, err := json.Marshal(Flatten(blocks))
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
