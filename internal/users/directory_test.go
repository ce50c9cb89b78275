package users

import (
	"reflect"
	"testing"
)

func TestDirectoryLookups(t *testing.T) {
	t.Parallel()
	d := New([]User{
		{ID: "bob", Phone: "+15550001111", ChatID: 20},
		{ID: "alice", ChatID: 10},
		{ID: ""},
	})

	if p, ok := d.PhoneNumber("bob"); !ok || p != "+15550001111" {
		t.Fatalf("bob phone=%q ok=%v", p, ok)
	}
	if _, ok := d.PhoneNumber("alice"); ok {
		t.Fatalf("alice has no phone")
	}
	if id, ok := d.ChatID("alice"); !ok || id != 10 {
		t.Fatalf("alice chat=%d ok=%v", id, ok)
	}
	if u, ok := d.ByChat(20); !ok || u.ID != "bob" {
		t.Fatalf("chat 20 -> %+v ok=%v", u, ok)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("ids=%v", got)
	}
}

func TestDirectoryApplyReplaces(t *testing.T) {
	t.Parallel()
	d := New([]User{{ID: "bob", ChatID: 20}})
	d.Apply([]User{{ID: "carol", ChatID: 30}})
	if _, ok := d.ByChat(20); ok {
		t.Fatalf("stale chat binding survived Apply")
	}
	if _, ok := d.Get("carol"); !ok {
		t.Fatalf("carol missing")
	}
}
