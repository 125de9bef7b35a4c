package shopkeep

// CatalogString is one translatable string of a shop's catalog as it was
// exported. ID is stable for a given context and source text.
type CatalogString struct {
	ID      string `json:"string_id"`
	Context string `json:"context,omitempty"`
	Source  string `json:"source_text"`
	Plural  string `json:"plural,omitempty"`
}
