package wsrelay

import "testing"

func TestActiveCounterAdmitsUpToLimit(t *testing.T) {
	c := newActiveCounter()
	if !c.admitNewConnection(2) {
		t.Fatal("first connection should be admitted")
	}
	if !c.admitNewConnection(2) {
		t.Fatal("second connection should be admitted")
	}
	if c.admitNewConnection(2) {
		t.Fatal("third connection should be rejected once the limit is reached")
	}
}

func TestActiveCounterReleaseFreesASlot(t *testing.T) {
	c := newActiveCounter()
	c.admitNewConnection(1)
	if c.admitNewConnection(1) {
		t.Fatal("expected the single slot to already be taken")
	}
	c.release()
	if !c.admitNewConnection(1) {
		t.Fatal("expected a slot to be free after release")
	}
}

func TestActiveCounterReleaseNeverGoesNegative(t *testing.T) {
	c := newActiveCounter()
	c.release()
	if !c.admitNewConnection(1) {
		t.Fatal("an extra release should not poison subsequent admits")
	}
}
