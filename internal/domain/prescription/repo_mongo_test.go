package prescription

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestRecordFromBSON(t *testing.T) {
	doc := bson.M{
		"codeId": "ABC1234",
		"medicines": bson.A{
			bson.D{{Key: "_id", Value: primitive.NewObjectID()}, {Key: "name", Value: "Paracetamol - 500mg"}, {Key: "dosage", Value: "500mg"}},
			bson.D{{Key: "name", Value: "Ibuprofen - 400mg"}},
		},
		"doctor": "Dr. Rao",
	}
	rec, err := recordFromBSON(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CodeID != "ABC1234" {
		t.Errorf("CodeID = %q", rec.CodeID)
	}
	if rec.Details["doctor"] != "Dr. Rao" {
		t.Errorf("details = %v", rec.Details)
	}
	p, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Medicines) != 2 || p.Medicines[0].Name != "Paracetamol - 500mg" {
		t.Fatalf("medicines = %+v", p.Medicines)
	}
	if _, ok := p.Medicines[0].Fields["_id"]; ok {
		t.Error("expected medicine _id to be dropped")
	}
	if p.Medicines[0].Fields["dosage"] != "500mg" {
		t.Errorf("dosage = %v", p.Medicines[0].Fields["dosage"])
	}
}

func TestRecordFromBSON_StringMedicines(t *testing.T) {
	rec, err := recordFromBSON(bson.M{"codeId": "ABC1234", "medicines": `[{"name":"Aspirin - 75mg"}]`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Medicines) != 1 || p.Medicines[0].Name != "Aspirin - 75mg" {
		t.Errorf("medicines = %+v", p.Medicines)
	}
}

func TestWrapValue(t *testing.T) {
	if got := string(wrapValue([]byte(`[1,2]`))); got != `{"v":[1,2]}` {
		t.Errorf("wrapValue = %s", got)
	}
}
