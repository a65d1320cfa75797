package validators

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// XMLDocumentValidator checks well-formedness and optionally the root
// element name via the "root_element" config entry.
type XMLDocumentValidator struct{}

func (v *XMLDocumentValidator) Kind() domain.ValidatorKind { return domain.ValidatorXMLDocument }

func (v *XMLDocumentValidator) Execute(_ context.Context, req Request) (Result, error) {
	root, elementCount, err := scanXML(req.Submission.Payload)
	if err != nil {
		return Result{
			OutputSignals: map[string]any{"well_formed": false, "finding_count": 1.0},
			Findings: []domain.Finding{{
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("payload is not well-formed XML: %v", err),
			}},
		}, nil
	}

	result := Result{OutputSignals: map[string]any{
		"well_formed":   true,
		"root_element":  root,
		"element_count": float64(elementCount),
	}}

	if want, ok := req.Config["root_element"].(string); ok && strings.TrimSpace(want) != "" {
		if root != strings.TrimSpace(want) {
			result.Findings = append(result.Findings, domain.Finding{
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("root element is %q, expected %q", root, want),
				Path:     "/" + root,
			})
		}
	}

	result.OutputSignals["finding_count"] = float64(len(result.Findings))
	return result, nil
}

func scanXML(payload []byte) (root string, elements int, err error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if root != "" {
					return "", 0, errors.New("multiple root elements")
				}
				root = t.Name.Local
			}
			depth++
			elements++
		case xml.EndElement:
			depth--
		}
	}
	if root == "" {
		return "", 0, errors.New("no root element")
	}
	if depth != 0 {
		return "", 0, errors.New("unterminated element")
	}
	return root, elements, nil
}
