package directive

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		wantBody  string
		wantNames []Name
	}{
		{
			name:      "standalone stop",
			in:        "stop",
			wantBody:  "stop",
			wantNames: nil,
		},
		{
			name:      "slash stop",
			in:        "/stop",
			wantBody:  "",
			wantNames: []Name{Stop},
		},
		{
			name:      "think with arg",
			in:        "/think high please",
			wantBody:  "please",
			wantNames: []Name{Think},
		},
		{
			name:      "colon form",
			in:        "/think:high",
			wantBody:  "",
			wantNames: []Name{Think},
		},
		{
			name:      "alias resolves to canonical",
			in:        "/t high",
			wantBody:  "",
			wantNames: []Name{Think},
		},
		{
			name:      "unknown word left in body",
			in:        "/banana is great",
			wantBody:  "/banana is great",
			wantNames: nil,
		},
		{
			name:      "duplicate collapses to last-wins",
			in:        "/think low /think high",
			wantBody:  "",
			wantNames: []Name{Think},
		},
		{
			name:      "directive inside context wrapper ignored",
			in:        "[Chat messages since your last reply - for context]\nPeter: /thinking high [2025-12-05T21:45:00.000Z]\n\n[Current message - respond to this]\nGive me the status",
			wantBody:  "[Chat messages since your last reply - for context]\nPeter: /thinking high [2025-12-05T21:45:00.000Z]\n\n[Current message - respond to this]\nGive me the status",
			wantNames: nil,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body, got := Parse(c.in)
			if body != c.wantBody {
				t.Errorf("body = %q, want %q", body, c.wantBody)
			}
			if len(got) != len(c.wantNames) {
				t.Fatalf("directives = %v, want names %v", got, c.wantNames)
			}
			for i, d := range got {
				if d.Name != c.wantNames[i] {
					t.Errorf("directive[%d].Name = %q, want %q", i, d.Name, c.wantNames[i])
				}
			}
		})
	}
}

func TestParseMalformedLevel(t *testing.T) {
	_, directives := Parse("/think foo")
	if len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(directives))
	}
	d := directives[0]
	if d.Valid {
		t.Fatalf("expected invalid level, got valid with Level=%q", d.Level)
	}
	if d.RawLevel != "foo" {
		t.Errorf("RawLevel = %q, want %q", d.RawLevel, "foo")
	}
}

func TestParseEmptyBodyAfterExtraction(t *testing.T) {
	body, directives := Parse("/stop")
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	if len(directives) != 1 || directives[0].Name != Stop {
		t.Fatalf("unexpected directives: %v", directives)
	}
}

func TestParseRoundTripIdempotentOnNoDirectives(t *testing.T) {
	in := "just a normal message with no slashes at all"
	body, directives := Parse(in)
	if body != in {
		t.Errorf("body = %q, want %q", body, in)
	}
	if len(directives) != 0 {
		t.Errorf("expected no directives, got %v", directives)
	}
}
