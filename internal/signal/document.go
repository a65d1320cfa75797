// Package signal extracts typed values out of submission payloads.
//
// A Document is a parsed, read-only view of one submission. Resolution is a
// pure lookup: it never mutates the tree and never fails on absence, it only
// reports it.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Document is a parsed submission payload ready for path resolution.
type Document struct {
	contentType string
	jsonRoot    any
	xmlRoot     *xmlElement
}

// Parse builds a Document from raw submission bytes. The content type decides
// the tree shape and the path dialect Resolve understands.
func Parse(contentType string, payload []byte) (*Document, error) {
	switch contentType {
	case domain.ContentTypeJSON:
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		var root any
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("parse json payload: %w", err)
		}
		return &Document{contentType: contentType, jsonRoot: root}, nil
	case domain.ContentTypeXML:
		root, err := parseXMLTree(payload)
		if err != nil {
			return nil, fmt.Errorf("parse xml payload: %w", err)
		}
		return &Document{contentType: contentType, xmlRoot: root}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// ContentType returns the payload dialect this document was parsed as.
func (d *Document) ContentType() string { return d.contentType }

// Resolve looks up the value at path. The boolean distinguishes an absent
// path from a present-but-null value; callers must not collapse the two.
func (d *Document) Resolve(path string) (any, bool) {
	switch d.contentType {
	case domain.ContentTypeJSON:
		return resolveJSON(d.jsonRoot, path)
	case domain.ContentTypeXML:
		return resolveXML(d.xmlRoot, path)
	default:
		return nil, false
	}
}
