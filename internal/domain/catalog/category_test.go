package catalog

import "testing"

func TestRequiresPrescription(t *testing.T) {
	for _, c := range Categories {
		want := c == CategoryPrescription || c == CategoryControlled
		if got := RequiresPrescription(c); got != want {
			t.Errorf("RequiresPrescription(%s) = %v, want %v", c, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	c, err := Parse("controlled")
	if err != nil || c != CategoryControlled {
		t.Errorf("Parse = %s, %v", c, err)
	}
	if _, err := Parse("cosmetics"); err == nil {
		t.Error("unknown category accepted")
	}
}
