package indexer

import (
	"strings"

	"github.com/caseidx/caseidx/internal/domain"
	"github.com/caseidx/caseidx/internal/metadata"
)

// ClassMarker is the reserved payload key carrying a field's declared class.
// Marker keys are metadata, not data: fan-out and extraction skip keys with
// the marker prefix.
const (
	ClassMarker  = "@class"
	MarkerPrefix = "@"
)

// Annotator tags payload objects with their declared class names before
// mapping resolution, using the field declarations of the canonical
// definitions. Tagging is explicit and metadata-driven; the payload itself
// carries no type information.
type Annotator struct {
	loader *metadata.Loader
}

// NewAnnotator creates an annotator over the canonical definition store.
func NewAnnotator(loader *metadata.Loader) *Annotator {
	return &Annotator{loader: loader}
}

// Annotate marks payload with the class of entityType and recursively tags
// nested objects and array elements declared in the definition's fields.
// Unknown entity types leave the payload untouched.
func (a *Annotator) Annotate(payload map[string]any, entityType string) {
	def, ok := a.loader.ByEntityType(entityType)
	if !ok {
		def, ok = a.loader.ByClass(entityType)
	}
	if !ok {
		return
	}
	a.annotate(payload, def, map[string]bool{})
}

func (a *Annotator) annotate(obj map[string]any, def domain.MetadataDefinition, seen map[string]bool) {
	// Guard against definition cycles along the current path only, so
	// sibling objects of the same class still get tagged.
	key := strings.ToLower(def.Class)
	if seen[key] {
		return
	}
	seen[key] = true
	defer delete(seen, key)

	obj[ClassMarker] = def.Class

	for _, field := range def.Fields {
		value, present := obj[field.Name]
		if !present {
			continue
		}

		if field.IsArray {
			elems, ok := value.([]any)
			if !ok || field.ElementClass == "" {
				continue
			}
			elemDef, found := a.loader.ByClass(field.ElementClass)
			for _, elem := range elems {
				m, isMap := elem.(map[string]any)
				if !isMap {
					continue
				}
				if found {
					a.annotate(m, elemDef, seen)
				} else {
					m[ClassMarker] = field.ElementClass
				}
			}
			continue
		}

		m, isMap := value.(map[string]any)
		if !isMap || field.PrimaryClass() == "" {
			continue
		}
		if nestedDef, found := a.loader.ByClass(field.PrimaryClass()); found {
			a.annotate(m, nestedDef, seen)
		} else {
			m[ClassMarker] = field.PrimaryClass()
		}
	}
}
