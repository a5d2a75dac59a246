package permdomain

import "testing"

func TestBitset_Apply(t *testing.T) {
	base := ViewChannel | SendMessages | Connect

	got := base.Apply(Speak, SendMessages)
	if !got.Has(Speak) {
		t.Error("expected allowed bit to be set")
	}
	if got.Has(SendMessages) {
		t.Error("expected denied bit to be cleared")
	}
	if !got.Has(ViewChannel | Connect) {
		t.Error("expected untouched bits to survive")
	}

	// Allow wins over deny within a single pair.
	got = base.Apply(SendMessages, SendMessages)
	if !got.Has(SendMessages) {
		t.Error("expected allow to win over deny in the same overwrite")
	}
}

func TestBitset_Has(t *testing.T) {
	b := ViewChannel | Speak
	if !b.Has(ViewChannel) || !b.Has(Speak) || !b.Has(ViewChannel|Speak) {
		t.Error("expected set bits to be reported")
	}
	if b.Has(Administrator) {
		t.Error("expected unset bit to be absent")
	}
	if !All.Has(Administrator | ManageRoles | Connect) {
		t.Error("expected the all-ones mask to contain every bit")
	}
}
