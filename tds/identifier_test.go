package tds

import "testing"

func TestEscapeUnescapeIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"plain", "Users"},
		{"embedded bracket", "My]Table"},
		{"embedded dot", "my.schema"},
		{"spaces", "My Transaction"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := EscapeIdentifier(tt.in)
			if got := UnescapeIdentifier(escaped); got != tt.in {
				t.Errorf("UnescapeIdentifier(EscapeIdentifier(%q)) = %q, want %q", tt.in, got, tt.in)
			}
		})
	}
}

func TestEscapeIdentifierDoublesBrackets(t *testing.T) {
	if got, want := EscapeIdentifier("a]b"), "[a]]b]"; got != want {
		t.Errorf("EscapeIdentifier = %q, want %q", got, want)
	}
}

func TestUnescapeIdentifierWithoutBrackets(t *testing.T) {
	if got := UnescapeIdentifier("plain"); got != "plain" {
		t.Errorf("UnescapeIdentifier(plain) = %q, want unchanged", got)
	}
}

func TestParseObjectNameFourPart(t *testing.T) {
	n := ParseObjectName("server.db.sch.name")
	want := ObjectName{Server: "server", Database: "db", Schema: "sch", Name: "name"}
	if n != want {
		t.Errorf("ParseObjectName = %+v, want %+v", n, want)
	}
}

func TestParseObjectNameRightAligns(t *testing.T) {
	tests := []struct {
		in   string
		want ObjectName
	}{
		{"name", ObjectName{Name: "name"}},
		{"sch.name", ObjectName{Schema: "sch", Name: "name"}},
		{"db.sch.name", ObjectName{Database: "db", Schema: "sch", Name: "name"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseObjectName(tt.in); got != tt.want {
				t.Errorf("ParseObjectName(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseObjectNameBracketedDot(t *testing.T) {
	n := ParseObjectName("[my.schema].[name]")
	want := ObjectName{Schema: "my.schema", Name: "name"}
	if n != want {
		t.Errorf("ParseObjectName = %+v, want %+v", n, want)
	}
}

func TestObjectNameStringRoundtrip(t *testing.T) {
	n := ObjectName{Schema: "dbo", Name: "t"}
	if got, want := n.String(), "[dbo].[t]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	reparsed := ParseObjectName(n.String())
	if reparsed != n {
		t.Errorf("roundtrip = %+v, want %+v", reparsed, n)
	}
}
