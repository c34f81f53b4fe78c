package audience

import (
	"fmt"
	"strings"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// FieldType is the comparison domain of a field path.
type FieldType int

const (
	TypeAny FieldType = iota
	TypeString
	TypeBool
	TypeTime
	TypeNumber
	TypeList
)

// PathKind says where a field path's value comes from.
type PathKind int

const (
	PathBuiltin PathKind = iota
	PathAttribute
	PathCount
)

const (
	attributePrefix = "attributes__"
	countSuffix     = "__count"
)

var builtinFields = map[string]FieldType{
	"id":               TypeString,
	"user_id":          TypeString,
	"email":            TypeString,
	"is_active":        TypeBool,
	"step_id":          TypeString,
	"step_timestamp":   TypeTime,
	"subscribe_date":   TypeTime,
	"unsubscribe_date": TypeTime,
	"created_at":       TypeTime,
	"tags":             TypeList,
}

// Path is a resolved rule field path.
type Path struct {
	Raw  string
	Kind PathKind
	// Name is the builtin field, attribute key or counted relation.
	Name string
	Type FieldType
}

// ParsePath resolves a field path. Unknown paths are rejected.
func ParsePath(raw string) (Path, error) {
	if t, ok := builtinFields[raw]; ok {
		return Path{Raw: raw, Kind: PathBuiltin, Name: raw, Type: t}, nil
	}
	if strings.HasPrefix(raw, attributePrefix) {
		key := strings.TrimPrefix(raw, attributePrefix)
		if key == "" {
			return Path{}, fmt.Errorf("empty attribute key in %q", raw)
		}
		return Path{Raw: raw, Kind: PathAttribute, Name: key, Type: TypeAny}, nil
	}
	if strings.HasSuffix(raw, countSuffix) {
		rel := strings.TrimSuffix(raw, countSuffix)
		for _, known := range store.Relations {
			if rel == known {
				return Path{Raw: raw, Kind: PathCount, Name: rel, Type: TypeNumber}, nil
			}
		}
		return Path{}, fmt.Errorf("unknown relation %q in %q", rel, raw)
	}
	return Path{}, fmt.Errorf("unknown field %q", raw)
}

// annotations holds per-relation counts keyed by subscriber id.
type annotations map[string]map[string]int

func (p Path) resolve(sub domain.Subscriber, ann annotations) any {
	switch p.Kind {
	case PathAttribute:
		if sub.Attributes == nil {
			return nil
		}
		return sub.Attributes[p.Name]
	case PathCount:
		return float64(ann[p.Name][sub.ID])
	}

	switch p.Name {
	case "id":
		return sub.ID
	case "user_id":
		return nilIfEmpty(sub.UserID)
	case "email":
		return sub.Email
	case "is_active":
		return sub.IsActive
	case "step_id":
		if sub.StepID == nil {
			return nil
		}
		return *sub.StepID
	case "step_timestamp":
		if sub.StepTimestamp == nil {
			return nil
		}
		return *sub.StepTimestamp
	case "subscribe_date":
		return sub.SubscribeDate
	case "unsubscribe_date":
		if sub.UnsubscribeDate == nil {
			return nil
		}
		return *sub.UnsubscribeDate
	case "created_at":
		return sub.CreatedAt
	case "tags":
		return sub.Tags
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
