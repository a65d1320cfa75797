package signal

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	errEmptyPath     = errors.New("empty data path")
	errMalformedPath = errors.New("malformed data path")
)

type xmlElement struct {
	name     string
	attrs    map[string]string
	children []*xmlElement
	text     string
}

func parseXMLTree(payload []byte) (*xmlElement, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	var root *xmlElement
	var stack []*xmlElement

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &xmlElement{name: t.Name.Local}
			if len(t.Attr) > 0 {
				el.attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					el.attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	if len(stack) != 0 {
		return nil, errors.New("unterminated element")
	}
	return root, nil
}

// resolveXML walks an element tree with slash notation, for example
// "/gbXML/Campus/Building[2]/Area" or "Campus/Building/@id". Indexes are
// 1-based over same-named siblings; an unindexed segment with multiple
// matches takes the first. A leading segment naming the root is optional.
func resolveXML(root *xmlElement, path string) (any, bool) {
	segments, err := splitXMLPath(path)
	if err != nil || len(segments) == 0 {
		return nil, false
	}

	start := 0
	if segments[0].name == root.name && segments[0].attr == "" {
		if segments[0].index > 1 {
			return nil, false
		}
		start = 1
		if start == len(segments) {
			return elementValue(root), true
		}
	}

	current := root
	for i := start; i < len(segments); i++ {
		seg := segments[i]
		if seg.attr != "" {
			if i != len(segments)-1 {
				return nil, false
			}
			value, ok := current.attrs[seg.attr]
			return value, ok
		}
		next, ok := childByName(current, seg.name, seg.index)
		if !ok {
			return nil, false
		}
		current = next
	}
	return elementValue(current), true
}

type xmlSegment struct {
	name  string
	index int // 1-based, 0 means first match
	attr  string
}

func splitXMLPath(path string) ([]xmlSegment, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, errEmptyPath
	}

	parts := strings.Split(path, "/")
	segments := make([]xmlSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, errMalformedPath
		}
		if strings.HasPrefix(part, "@") {
			if len(part) == 1 {
				return nil, errMalformedPath
			}
			segments = append(segments, xmlSegment{attr: part[1:]})
			continue
		}
		seg := xmlSegment{name: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, errMalformedPath
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 1 {
				return nil, errMalformedPath
			}
			seg.name = part[:open]
			seg.index = idx
		}
		if seg.name == "" {
			return nil, errMalformedPath
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func childByName(parent *xmlElement, name string, index int) (*xmlElement, bool) {
	seen := 0
	for _, child := range parent.children {
		if child.name != name {
			continue
		}
		seen++
		if index == 0 || seen == index {
			return child, true
		}
	}
	return nil, false
}

// elementValue is the trimmed text content for leaf elements and the element
// itself for elements with children, so object signals can address subtrees.
func elementValue(el *xmlElement) any {
	if len(el.children) == 0 {
		return strings.TrimSpace(el.text)
	}
	return el
}
