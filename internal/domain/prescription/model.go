package prescription

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no prescription exists for a code.
	ErrNotFound = errors.New("prescription not found")
	// ErrMalformedRecord is returned when a stored medicines field cannot be decoded.
	ErrMalformedRecord = errors.New("malformed prescription record")
)

// Medicine is one prescribed item. Only Name is interpreted; every other
// stored field is carried in Fields and written back unchanged.
type Medicine struct {
	Name   string
	Fields map[string]any
}

func (m Medicine) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["name"] = m.Name
	return json.Marshal(out)
}

// UnmarshalJSON accepts either an object with a "name" field or a bare
// string naming the medicine. Store identifiers ("_id") are dropped.
func (m *Medicine) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*m = Medicine{Name: name}
		return nil
	}

	var fields map[string]any
	if err := decodeExact(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("medicine must be an object or a string")
	}
	var name string
	if raw, ok := fields["name"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("medicine name must be a string, got %T", raw)
		}
		name = s
	}
	delete(fields, "name")
	delete(fields, "_id")
	if len(fields) == 0 {
		fields = nil
	}
	*m = Medicine{Name: name, Fields: fields}
	return nil
}

// decodeExact unmarshals stored JSON keeping numbers as json.Number, so
// fields the service does not interpret are written back digit for digit.
func decodeExact(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Prescription is the normalized view of a stored prescription document.
type Prescription struct {
	CodeID    string
	Medicines []Medicine
	// Details holds the remaining top-level fields of the stored document.
	Details map[string]any
}

func (p *Prescription) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Details)+2)
	for k, v := range p.Details {
		out[k] = v
	}
	meds := p.Medicines
	if meds == nil {
		meds = []Medicine{}
	}
	out["codeId"] = p.CodeID
	out["medicines"] = meds
	return json.Marshal(out)
}

// Names returns the medicine names in prescription order.
func (p *Prescription) Names() []string {
	names := make([]string, len(p.Medicines))
	for i, m := range p.Medicines {
		names[i] = m.Name
	}
	return names
}

// Record is a prescription as returned by a Store, before the medicines
// field has been decoded.
type Record struct {
	CodeID string
	// Medicines is either a JSON array or a JSON string containing one.
	Medicines json.RawMessage
	Details   map[string]any
}

// Decode normalizes the record into a Prescription.
func (r *Record) Decode() (*Prescription, error) {
	meds, err := DecodeMedicines(r.Medicines)
	if err != nil {
		return nil, err
	}
	return &Prescription{CodeID: r.CodeID, Medicines: meds, Details: r.Details}, nil
}

// DecodeMedicines decodes a stored medicines value. A missing or null
// value is an empty list.
func DecodeMedicines(raw json.RawMessage) ([]Medicine, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Medicine{}, nil
	}

	// Serialized blob: the list was stored as a JSON string.
	if raw[0] == '"' {
		var blob string
		if err := json.Unmarshal(raw, &blob); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		raw = bytes.TrimSpace([]byte(blob))
		if len(raw) == 0 || raw[0] != '[' {
			return nil, fmt.Errorf("%w: medicines blob is not a list", ErrMalformedRecord)
		}
	}

	if raw[0] != '[' {
		return nil, fmt.Errorf("%w: medicines is not a list", ErrMalformedRecord)
	}
	var meds []Medicine
	if err := json.Unmarshal(raw, &meds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if meds == nil {
		meds = []Medicine{}
	}
	return meds, nil
}

// recordFromDocument splits a stored document into a Record. The "_id"
// key is dropped.
func recordFromDocument(doc map[string]json.RawMessage) (*Record, error) {
	rec := &Record{Medicines: doc["medicines"]}
	if raw, ok := doc["codeId"]; ok {
		if err := json.Unmarshal(raw, &rec.CodeID); err != nil {
			return nil, fmt.Errorf("%w: codeId: %v", ErrMalformedRecord, err)
		}
	}
	for k, raw := range doc {
		switch k {
		case "_id", "codeId", "medicines":
			continue
		}
		var v any
		if err := decodeExact(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, k, err)
		}
		if rec.Details == nil {
			rec.Details = map[string]any{}
		}
		rec.Details[k] = v
	}
	return rec, nil
}

// ParseDocuments parses a JSON array of prescription documents, the format
// used by seed files and mongoexport.
func ParseDocuments(data []byte) ([]*Record, error) {
	var docs []map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse prescription documents: %w", err)
	}
	recs := make([]*Record, 0, len(docs))
	for i, doc := range docs {
		rec, err := recordFromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if rec.CodeID == "" {
			return nil, fmt.Errorf("document %d: codeId is required", i)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
