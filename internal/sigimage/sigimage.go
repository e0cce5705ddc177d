// Package sigimage performs structural validation of vector signature images
// before they are hash-bound to a report run. Validation is a hard
// precondition for signature creation: a malformed or oversized image must
// never reach the store.
package sigimage

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxBytes bounds accepted images when the config leaves the limit
// unset.
const DefaultMaxBytes = 256 * 1024

// ErrEmpty is returned for a missing image.
var ErrEmpty = errors.New("signature image required")

// forbidden element names, lowercased. Scripts and foreign content have no
// place in a captured pen stroke.
var forbiddenElements = map[string]bool{
	"script":        true,
	"foreignobject": true,
	"iframe":        true,
	"embed":         true,
	"object":        true,
	"animate":       true,
	"set":           true,
}

// Validator checks vector signature markup.
type Validator struct {
	MaxBytes int
}

// Validate returns nil when the markup is acceptable. Checks, in order:
// size bound, well-formed XML, svg root element, no forbidden elements,
// no event-handler attributes, no external or scripted references.
func (v Validator) Validate(svg string) error {
	if strings.TrimSpace(svg) == "" {
		return ErrEmpty
	}
	limit := v.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if len(svg) > limit {
		return fmt.Errorf("signature image exceeds %d bytes", limit)
	}

	dec := xml.NewDecoder(strings.NewReader(svg))
	dec.Strict = true
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("malformed signature markup: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		name := strings.ToLower(start.Name.Local)
		if !sawRoot {
			if name != "svg" {
				return fmt.Errorf("root element must be svg, got %s", start.Name.Local)
			}
			sawRoot = true
		}
		if forbiddenElements[name] {
			return fmt.Errorf("element %s not allowed in signature image", start.Name.Local)
		}
		for _, attr := range start.Attr {
			attrName := strings.ToLower(attr.Name.Local)
			if strings.HasPrefix(attrName, "on") {
				return fmt.Errorf("event handler attribute %s not allowed", attr.Name.Local)
			}
			if attrName == "href" || attrName == "xlink:href" || strings.ToLower(attr.Name.Space) == "xlink" {
				val := strings.ToLower(strings.TrimSpace(attr.Value))
				if strings.HasPrefix(val, "http:") || strings.HasPrefix(val, "https:") ||
					strings.HasPrefix(val, "javascript:") || strings.HasPrefix(val, "//") {
					return fmt.Errorf("external reference not allowed in signature image")
				}
			}
		}
	}
	if !sawRoot {
		return errors.New("signature image has no svg element")
	}
	return nil
}
