package resolve

// Entry is one entity's identity projection in the lookup index.
type Entry struct {
	EntityID      string
	ExternalID    string
	CanonicalURL  string
	TitlePriceKey string
	Price         float64
	HasPrice      bool
}

// Index is the in-memory identity lookup the resolver consults. It is
// loaded from the persisted entity store at the start of each batch and
// updated in-batch as new entities are created, so candidate N+1 sees
// entities created by candidate N.
type Index struct {
	byExternalID map[string]string
	byURL        map[string]string
	byTitle      map[string][]string
	entries      map[string]Entry
}

// NewIndex builds an index over the given entries.
func NewIndex(entries []Entry) *Index {
	idx := &Index{
		byExternalID: make(map[string]string, len(entries)),
		byURL:        make(map[string]string, len(entries)),
		byTitle:      make(map[string][]string, len(entries)),
		entries:      make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		idx.Add(e)
	}
	return idx
}

// Add registers (or refreshes) an entity's identity keys.
func (idx *Index) Add(e Entry) {
	prev, existed := idx.entries[e.EntityID]
	idx.entries[e.EntityID] = e

	if e.ExternalID != "" {
		idx.byExternalID[e.ExternalID] = e.EntityID
	}
	if e.CanonicalURL != "" {
		idx.byURL[e.CanonicalURL] = e.EntityID
	}

	title := TitleOfKey(e.TitlePriceKey)
	if existed {
		if prevTitle := TitleOfKey(prev.TitlePriceKey); prevTitle != "" && prevTitle != title {
			idx.byTitle[prevTitle] = removeID(idx.byTitle[prevTitle], e.EntityID)
		} else if prevTitle == title {
			return
		}
	}
	if title != "" {
		idx.byTitle[title] = append(idx.byTitle[title], e.EntityID)
	}
}

// ByExternalID looks up an entity by external marketplace ID.
func (idx *Index) ByExternalID(id string) (string, bool) {
	e, ok := idx.byExternalID[id]
	return e, ok
}

// ByURL looks up an entity by normalized canonical URL.
func (idx *Index) ByURL(u string) (string, bool) {
	e, ok := idx.byURL[u]
	return e, ok
}

// ByTitle returns the entities sharing a normalized title, in insertion
// order. The caller applies the price tolerance guard.
func (idx *Index) ByTitle(title string) []string {
	return idx.byTitle[title]
}

// Entry returns the indexed projection for an entity.
func (idx *Index) Entry(entityID string) (Entry, bool) {
	e, ok := idx.entries[entityID]
	return e, ok
}

// Len returns the number of indexed entities.
func (idx *Index) Len() int {
	return len(idx.entries)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
