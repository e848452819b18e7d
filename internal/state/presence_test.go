package state

import "testing"

func TestMarkOnlineReportsChange(t *testing.T) {
	tr := NewPeerTracker()
	defer tr.Close()

	if !tr.MarkOnline("bob") {
		t.Error("first join should report a change")
	}
	if tr.MarkOnline("bob") {
		t.Error("repeated announcement should not report a change")
	}
	if st := tr.Status(); !st.Online || st.Identity != "bob" {
		t.Errorf("status = %+v", st)
	}
}

func TestMarkOfflineIgnoresUnknownIdentity(t *testing.T) {
	tr := NewPeerTracker()
	defer tr.Close()

	if tr.MarkOffline("stranger") {
		t.Error("leave for an unseen identity should be ignored")
	}

	tr.MarkOnline("bob")
	if tr.MarkOffline("stranger") {
		t.Error("leave for the wrong identity should be ignored")
	}
	if !tr.MarkOffline("bob") {
		t.Error("leave for the tracked identity should report a change")
	}
	if st := tr.Status(); st.Online {
		t.Error("peer still online after leave")
	}
	if st := tr.Status(); st.Identity != "bob" {
		t.Error("identity should stay known after the peer leaves")
	}
}

func TestListenersSeeStatusChanges(t *testing.T) {
	tr := NewPeerTracker()
	defer tr.Close()

	ch := tr.Subscribe()
	tr.MarkOnline("bob")
	tr.MarkOnline("bob") // repeat, no notification
	tr.MarkOffline("bob")

	first := <-ch
	if !first.Online || first.Identity != "bob" {
		t.Errorf("first notification = %+v", first)
	}
	second := <-ch
	if second.Online {
		t.Errorf("second notification = %+v, want offline", second)
	}
	select {
	case st := <-ch:
		t.Errorf("unexpected third notification %+v", st)
	default:
	}

	tr.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
}
