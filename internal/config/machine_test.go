package config

import "testing"

func TestSeedBasePolicyUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want SeedBasePolicy
		ok   bool
	}{
		{"if_newer", SeedBasePolicyIfNewer, true},
		{"always", SeedBasePolicyAlways, true},
		{"never", SeedBasePolicyNever, true},
		{"sometimes", "", false},
	}

	for _, c := range cases {
		var p SeedBasePolicy
		err := p.UnmarshalYAML(func(v interface{}) error {
			*(v.(*string)) = c.in
			return nil
		})
		if c.ok && err != nil {
			t.Errorf("UnmarshalYAML(%q): unexpected error: %v", c.in, err)
			continue
		}
		if !c.ok && err == nil {
			t.Errorf("UnmarshalYAML(%q): expected error", c.in)
			continue
		}
		if c.ok && p != c.want {
			t.Errorf("UnmarshalYAML(%q) = %v, want %v", c.in, p, c.want)
		}
	}
}
