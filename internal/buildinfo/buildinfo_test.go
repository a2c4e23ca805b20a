package buildinfo

import "testing"

func TestString(t *testing.T) {
	got := String("switchyard")
	want := "switchyard dev (none) built unknown"
	if got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}
