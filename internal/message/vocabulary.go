package message

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed vocabulary.cue
var defaultVocabulary []byte

//go:embed vocabulary_schema.cue
var vocabularySchema string

// DefaultRegistry builds the registry from the embedded vocabulary.
// Call it once at boot and pass the result to every constructor that needs it.
func DefaultRegistry() (*Registry, error) {
	return LoadVocabulary("vocabulary.cue", defaultVocabulary)
}

// LoadVocabularyFile reads and loads a CUE vocabulary from disk.
func LoadVocabularyFile(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return LoadVocabulary(path, src)
}

// LoadVocabulary compiles a CUE vocabulary document and builds a Registry.
//
// The document has the shape:
//
//	actions: {
//		Docente: {
//			add:         null
//			addCattedra: "Cattedra"
//		}
//	}
//
// and is validated against the embedded #Vocabulary schema before any entry
// is registered, so a malformed declaration never yields a partial registry.
func LoadVocabulary(filename string, src []byte) (*Registry, error) {
	cctx := cuecontext.New()

	schema := cctx.CompileString(vocabularySchema, cue.Filename("vocabulary_schema.cue")).
		LookupPath(cue.ParsePath("#Vocabulary"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile vocabulary schema: %w", err)
	}

	value := cctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, vocabularyError("compile %s: %v", filename, err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, vocabularyError("validate %s: %v", filename, err)
	}

	actionsVal := unified.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return nil, vocabularyError("%s: actions is required", filename)
	}

	entries, err := collectEntries(actionsVal)
	if err != nil {
		return nil, vocabularyError("%s: %v", filename, err)
	}

	return NewRegistry(entries...)
}

// collectEntries walks actions.<Entity>.<action> fields.
func collectEntries(actionsVal cue.Value) ([]Entry, error) {
	var entries []Entry

	entityIter, err := actionsVal.Fields()
	if err != nil {
		return nil, err
	}
	for entityIter.Next() {
		entityType := entityIter.Label()

		actionIter, err := entityIter.Value().Fields()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entityType, err)
		}
		for actionIter.Next() {
			entry := Entry{EntityType: entityType, Action: actionIter.Label()}

			val := actionIter.Value()
			if !val.IsNull() {
				related, err := val.String()
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", entityType, entry.Action, err)
				}
				entry.Related = related
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}
