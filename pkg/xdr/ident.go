package xdr

import (
	"fmt"
	"strconv"
	"strings"
)

// Ident is an element identifier: the key space of application state. The
// wire rendering is "templateId:indexId:path" with a dotted path.
type Ident struct {
	TemplateID uint32
	IndexID    uint32
	Path       string
}

func (id Ident) String() string {
	return fmt.Sprintf("%d:%d:%s", id.TemplateID, id.IndexID, id.Path)
}

// ParseIdent decodes the wire rendering of an element identifier.
func ParseIdent(s string) (Ident, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Ident{}, fmt.Errorf("malformed element identifier %q", s)
	}
	templateID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Ident{}, fmt.Errorf("malformed template ID in identifier %q: %w", s, err)
	}
	indexID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Ident{}, fmt.Errorf("malformed index ID in identifier %q: %w", s, err)
	}
	return Ident{TemplateID: uint32(templateID), IndexID: uint32(indexID), Path: parts[2]}, nil
}
