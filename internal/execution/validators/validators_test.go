package validators

import (
	"context"
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

func submission(t *testing.T, contentType, payload string) domain.Submission {
	t.Helper()
	sub, err := domain.NewSubmission("sub-1", contentType, []byte(payload))
	if err != nil {
		t.Fatalf("NewSubmission() err=%v", err)
	}
	return sub
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []domain.ValidatorKind{domain.ValidatorJSONDocument, domain.ValidatorXMLDocument} {
		e, err := r.Lookup(kind)
		if err != nil {
			t.Fatalf("Lookup(%s) err=%v", kind, err)
		}
		if e.Kind() != kind {
			t.Fatalf("Kind()=%s, want %s", e.Kind(), kind)
		}
	}
	if _, err := r.Lookup(domain.ValidatorEnergyModel); err == nil {
		t.Fatalf("dispatched kinds must not resolve locally")
	}
}

func TestJSONDocumentWellFormed(t *testing.T) {
	v := &JSONDocumentValidator{}
	res, err := v.Execute(context.Background(), Request{
		Submission: submission(t, domain.ContentTypeJSON, `{"site_eui": 120}`),
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["well_formed"] != true || len(res.Findings) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestJSONDocumentMalformed(t *testing.T) {
	v := &JSONDocumentValidator{}
	res, err := v.Execute(context.Background(), Request{
		Submission: domain.Submission{ID: "sub-1", ContentType: domain.ContentTypeJSON, Payload: []byte(`{"site_eui":`)},
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["well_formed"] != false {
		t.Fatalf("well_formed=%v", res.OutputSignals["well_formed"])
	}
	if len(res.Findings) != 1 || res.Findings[0].Severity != domain.SeverityError {
		t.Fatalf("findings=%+v", res.Findings)
	}
}

func TestJSONDocumentSchema(t *testing.T) {
	v := &JSONDocumentValidator{}
	config := domain.Metadata{"schema": map[string]any{
		"type":     "object",
		"required": []any{"site_eui"},
		"properties": map[string]any{
			"site_eui": map[string]any{"type": "number", "minimum": 0.0},
		},
	}}

	res, err := v.Execute(context.Background(), Request{
		Submission: submission(t, domain.ContentTypeJSON, `{"site_eui": 120}`),
		Config:     config,
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["schema_valid"] != true {
		t.Fatalf("schema_valid=%v", res.OutputSignals["schema_valid"])
	}

	res, err = v.Execute(context.Background(), Request{
		Submission: submission(t, domain.ContentTypeJSON, `{"site_eui": -5}`),
		Config:     config,
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["schema_valid"] != false || len(res.Findings) == 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestXMLDocument(t *testing.T) {
	v := &XMLDocumentValidator{}
	res, err := v.Execute(context.Background(), Request{
		Submission: submission(t, domain.ContentTypeXML, `<gbXML><Campus/></gbXML>`),
		Config:     domain.Metadata{"root_element": "gbXML"},
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["well_formed"] != true || res.OutputSignals["root_element"] != "gbXML" {
		t.Fatalf("res=%+v", res.OutputSignals)
	}
	if res.OutputSignals["element_count"] != 2.0 || len(res.Findings) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestXMLDocumentWrongRoot(t *testing.T) {
	v := &XMLDocumentValidator{}
	res, err := v.Execute(context.Background(), Request{
		Submission: submission(t, domain.ContentTypeXML, `<model/>`),
		Config:     domain.Metadata{"root_element": "gbXML"},
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("findings=%+v", res.Findings)
	}
}

func TestXMLDocumentMalformed(t *testing.T) {
	v := &XMLDocumentValidator{}
	res, err := v.Execute(context.Background(), Request{
		Submission: domain.Submission{ID: "sub-1", ContentType: domain.ContentTypeXML, Payload: []byte(`<a><b></a>`)},
	})
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if res.OutputSignals["well_formed"] != false || len(res.Findings) != 1 {
		t.Fatalf("res=%+v", res)
	}
}
