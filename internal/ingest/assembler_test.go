package ingest

import "testing"

func TestCountJSONDepth(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{`{`, 1},
		{`}`, -1},
		{`{"a": [1, 2]}`, 0},
		{`{"a": "{not nested}"`, 1},
		{`"escaped \" { quote"`, 0},
		{`{"b": {"c": [`, 3},
	}
	for _, tt := range tests {
		if got := CountJSONDepth(tt.line); got != tt.want {
			t.Errorf("CountJSONDepth(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestAssemblerSingleLine(t *testing.T) {
	var a assembler
	doc, ok := a.feed(`  {"name":"x","value":1}  `)
	if !ok || doc != `{"name":"x","value":1}` {
		t.Fatalf("feed = %q, %v", doc, ok)
	}
}

func TestAssemblerMultiLine(t *testing.T) {
	var a assembler
	for _, line := range []string{`{`, `  "name": "x",`, `  "tags": {"k": "v"}`} {
		if _, ok := a.feed(line); ok {
			t.Fatalf("document completed early at %q", line)
		}
	}
	doc, ok := a.feed(`}`)
	if !ok {
		t.Fatal("document not completed")
	}
	want := "{\n  \"name\": \"x\",\n  \"tags\": {\"k\": \"v\"}\n}"
	if doc != want {
		t.Fatalf("doc = %q, want %q", doc, want)
	}

	doc, ok = a.feed(`{"next":true}`)
	if !ok || doc != `{"next":true}` {
		t.Fatalf("after reset feed = %q, %v", doc, ok)
	}
}

func TestAssemblerPassesThroughNonObjects(t *testing.T) {
	var a assembler
	if _, ok := a.feed("   "); ok {
		t.Fatal("blank line produced a document")
	}
	doc, ok := a.feed(" plain text ")
	if !ok || doc != "plain text" {
		t.Fatalf("feed = %q, %v", doc, ok)
	}
}

func TestAssemblerFlush(t *testing.T) {
	var a assembler
	if _, ok := a.flush(); ok {
		t.Fatal("flush of empty assembler returned a document")
	}
	a.feed(`{"partial":`)
	doc, ok := a.flush()
	if !ok || doc != `{"partial":` {
		t.Fatalf("flush = %q, %v", doc, ok)
	}
	if _, ok := a.flush(); ok {
		t.Fatal("second flush returned a document")
	}
}
