package message

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	entityTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	actionPattern     = regexp.MustCompile(`^[a-z][A-Za-z0-9]*$`)
)

// Entry declares one legal (entity type, action) pair.
// Related is the entity type the action refers to, or "" when it refers to none.
type Entry struct {
	EntityType string `json:"entity_type"`
	Action     string `json:"action"`
	Related    string `json:"related,omitempty"`
}

// RelatedKey returns the data key an action message must carry for the
// related entity, or "" when the entry has no related entity.
func (e Entry) RelatedKey() string {
	return strings.ToLower(e.Related)
}

// String renders the entry as "EntityType.action -> Related".
func (e Entry) String() string {
	if e.Related == "" {
		return e.EntityType + "." + e.Action
	}
	return e.EntityType + "." + e.Action + " -> " + e.Related
}

// Registry is the closed vocabulary of action messages.
//
// A Registry is immutable: it is assembled once by NewRegistry (or
// LoadVocabulary / DefaultRegistry) and only queried afterwards, so it is
// safe for concurrent use without locking.
type Registry struct {
	actions map[string]map[string]string
	size    int
}

// NewRegistry builds a registry from explicit declarations.
// Duplicate pairs and malformed names are rejected.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{actions: make(map[string]map[string]string)}

	for i, e := range entries {
		if !entityTypePattern.MatchString(e.EntityType) {
			return nil, vocabularyError("entries[%d]: invalid entity type %q", i, e.EntityType)
		}
		if !actionPattern.MatchString(e.Action) {
			return nil, vocabularyError("entries[%d]: invalid action %q", i, e.Action)
		}
		if e.Related != "" && !entityTypePattern.MatchString(e.Related) {
			return nil, vocabularyError("entries[%d]: invalid related type %q", i, e.Related)
		}

		byAction, ok := r.actions[e.EntityType]
		if !ok {
			byAction = make(map[string]string)
			r.actions[e.EntityType] = byAction
		}
		if _, dup := byAction[e.Action]; dup {
			return nil, vocabularyError("duplicate action %s.%s", e.EntityType, e.Action)
		}
		byAction[e.Action] = e.Related
		r.size++
	}

	return r, nil
}

// IsValid looks up a pair. It returns the related entity type ("" for none)
// and whether the pair is registered. An unknown pair is a normal result,
// not an error.
func (r *Registry) IsValid(entityType, action string) (related string, found bool) {
	if r == nil {
		return "", false
	}
	byAction, ok := r.actions[entityType]
	if !ok {
		return "", false
	}
	related, found = byAction[action]
	return related, found
}

// Lookup returns the full entry for a pair.
func (r *Registry) Lookup(entityType, action string) (Entry, bool) {
	related, ok := r.IsValid(entityType, action)
	if !ok {
		return Entry{}, false
	}
	return Entry{EntityType: entityType, Action: action, Related: related}, true
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return r.size
}

// EntityTypes returns the registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	if r == nil {
		return []string{}
	}
	types := make([]string, 0, len(r.actions))
	for t := range r.actions {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Entries returns every registered pair sorted by entity type, then action.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, r.Len())
	for _, entityType := range r.EntityTypes() {
		byAction := r.actions[entityType]
		actions := make([]string, 0, len(byAction))
		for a := range byAction {
			actions = append(actions, a)
		}
		slices.Sort(actions)
		for _, a := range actions {
			entries = append(entries, Entry{EntityType: entityType, Action: a, Related: byAction[a]})
		}
	}
	return entries
}

func vocabularyError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeInvalidVocabulary,
		Message: fmt.Sprintf(format, args...),
	}
}
