package brew

import (
	"encoding/json"
	"testing"
)

func TestParseID(t *testing.T) {
	name, kind := ParseID("cask:firefox")
	if name != "firefox" || kind != KindCask {
		t.Fatalf("ParseID(cask:firefox) = %q, %q", name, kind)
	}
	name, kind = ParseID("wget")
	if name != "wget" || kind != KindFormula {
		t.Fatalf("ParseID(wget) = %q, %q", name, kind)
	}
	if got := ID(KindCask, "firefox"); got != "cask:firefox" {
		t.Fatalf("ID = %q", got)
	}
}

func TestPackageAccessors(t *testing.T) {
	installed := "128.0"
	cask := NewCask(Cask{Token: "firefox", Name: []string{"Mozilla Firefox"}, Version: "129.0", Installed: &installed, Outdated: true})
	if cask.ID() != "cask:firefox" || cask.DisplayName() != "Mozilla Firefox" {
		t.Fatalf("unexpected cask identity %q / %q", cask.ID(), cask.DisplayName())
	}
	if cask.InstalledVersion() != "128.0" || cask.Version() != "129.0" || !cask.Outdated() {
		t.Fatal("unexpected cask versions")
	}

	formula := NewFormula(Formula{
		Name:      "wget",
		Desc:      "Internet file retriever",
		Versions:  FormulaVersions{Stable: "1.24.5"},
		Installed: []InstalledVersion{{Version: "1.24.4"}},
	})
	if formula.ID() != "wget" || formula.DisplayName() != "wget" {
		t.Fatalf("unexpected formula identity %q", formula.ID())
	}
	if formula.InstalledVersion() != "1.24.4" || formula.Version() != "1.24.5" {
		t.Fatal("unexpected formula versions")
	}
	if !formula.Matches("RETRIEVER") || formula.Matches("curl") {
		t.Fatal("unexpected Matches result")
	}
}

func TestFormulaDecodeDropsUnlistedFields(t *testing.T) {
	raw := `{"name":"wget","desc":"d","versions":{"stable":"1.0","bottle":true},
		"bottle":{"stable":{"files":{"arm64_sonoma":{"url":"x"}}}},"variations":{"big":true}}`
	var f Formula
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatal(err)
	}
	out, _ := json.Marshal(NewFormula(f))
	var back map[string]any
	json.Unmarshal(out, &back)
	if back["kind"] != "formula" {
		t.Fatalf("kind = %v", back["kind"])
	}
	inner := back["formula"].(map[string]any)
	if _, ok := inner["bottle"]; ok {
		t.Fatal("bottle should not survive the allow-list")
	}
	if _, ok := back["cask"]; ok {
		t.Fatal("formula package should not carry a cask")
	}
}
