package triplet

import "testing"

func TestFromLabels(t *testing.T) {
	oar := NewOwnerAndRepo("acme", "web")

	cases := []struct {
		name   string
		labels []string
		want   Triplet
		ok     bool
	}{
		{"valid", []string{"self-hosted", "forrest", "small"}, New("acme", "web", "small"), true},
		{"wrong order", []string{"forrest", "self-hosted", "small"}, Triplet{}, false},
		{"too few", []string{"self-hosted", "forrest"}, Triplet{}, false},
		{"too many", []string{"self-hosted", "forrest", "small", "extra"}, Triplet{}, false},
		{"unrelated", []string{"linux", "x64", "large"}, Triplet{}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := oar.FromLabels(c.labels)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	tr := New("acme", "web", "small")

	if got, want := tr.RunDirPath("/base", "forrest-small-abc"), "/base/runs/acme/web/small/forrest-small-abc"; got != want {
		t.Fatalf("RunDirPath = %q, want %q", got, want)
	}

	if got, want := tr.MachineImagePath("/base"), "/base/machines/acme/web/small.img"; got != want {
		t.Fatalf("MachineImagePath = %q, want %q", got, want)
	}
}

func TestStringAndParse(t *testing.T) {
	tr := New("acme", "web", "small")

	if got, want := tr.String(), "acme/web/small"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	parsed, err := ParseTriplet("acme/web/small")
	if err != nil {
		t.Fatalf("ParseTriplet: %v", err)
	}
	if parsed != tr {
		t.Fatalf("ParseTriplet = %v, want %v", parsed, tr)
	}

	if _, err := ParseTriplet("acme/web"); err == nil {
		t.Fatal("expected error for malformed triplet")
	}
}

func TestOwnerAndRepoString(t *testing.T) {
	oar := NewOwnerAndRepo("acme", "web")
	if got, want := oar.String(), "acme/web"; got != want {
		t.Fatalf("OwnerAndRepo.String() = %q, want %q", got, want)
	}

	tr := New("acme", "web", "small")
	if got, want := tr.OwnerAndRepo().String(), "acme/web"; got != want {
		t.Fatalf("OwnerAndRepo().String() = %q, want %q", got, want)
	}
}
