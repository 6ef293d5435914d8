package models

import "testing"

func TestFinalHeadline(t *testing.T) {
	cases := []struct {
		name string
		v    Video
		want string
	}{
		{"empty override falls back to generated", Video{UserHeadline: StringPtr(""), GeneratedHeadline: &GeneratedHeadline{Primary: "X"}}, "X"},
		{"override wins", Video{UserHeadline: StringPtr("Y"), GeneratedHeadline: &GeneratedHeadline{Primary: "X"}}, "Y"},
		{"override without generated", Video{UserHeadline: StringPtr("Y")}, "Y"},
		{"nothing set", Video{}, PlaceholderHeadline},
		{"blank generated", Video{GeneratedHeadline: &GeneratedHeadline{Primary: "  "}}, PlaceholderHeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.FinalHeadline(); got != tc.want {
				t.Fatalf("FinalHeadline: want=%q got=%q", tc.want, got)
			}
		})
	}
}

func TestFinalLocation(t *testing.T) {
	v := Video{GeneratedLocation: &GeneratedLocation{Text: nil, Source: LocationFromNone}}
	if got := v.FinalLocation(); got != nil {
		t.Fatalf("FinalLocation: want=nil got=%q", *got)
	}

	v.GeneratedLocation.Text = StringPtr("Chennai")
	if got := v.FinalLocation(); got == nil || *got != "Chennai" {
		t.Fatalf("FinalLocation: want=%q got=%v", "Chennai", got)
	}

	v.UserLocation = StringPtr("Madurai")
	if got := v.FinalLocation(); got == nil || *got != "Madurai" {
		t.Fatalf("FinalLocation: want=%q got=%v", "Madurai", got)
	}

	v.UserLocation = StringPtr("")
	if got := v.FinalLocation(); got == nil || *got != "Chennai" {
		t.Fatalf("FinalLocation with empty override: want=%q got=%v", "Chennai", got)
	}
}

func TestStatusProgress(t *testing.T) {
	cases := map[Status]struct {
		pct   int
		stage string
	}{
		StatusUploaded:  {10, "upload"},
		StatusAnalyzing: {40, "analysis"},
		StatusAnalyzed:  {70, "analysis"},
		StatusRendering: {90, "render"},
		StatusCompleted: {100, "finalizing"},
		StatusError:     {0, "error"},
	}
	for status, want := range cases {
		pct, stage := status.Progress()
		if pct != want.pct || stage != want.stage {
			t.Fatalf("%s: want=%d/%s got=%d/%s", status, want.pct, want.stage, pct, stage)
		}
	}
}

func TestTemplateValid(t *testing.T) {
	for _, id := range Templates {
		if !id.Valid() {
			t.Fatalf("%s should be valid", id)
		}
	}
	if TemplateID("template5").Valid() {
		t.Fatal("template5 should not be valid")
	}
}
