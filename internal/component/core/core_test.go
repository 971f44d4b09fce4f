package core

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/flowrt/internal/component"
)

type sent struct {
	port string
	ip   component.IP
}

type emitter struct {
	out  []sent
	icon string
}

func (e *emitter) Send(port string, ip component.IP) { e.out = append(e.out, sent{port, ip}) }
func (e *emitter) SetIcon(icon string)               { e.icon = icon }

func TestRepeat_ForwardsBrackets(t *testing.T) {
	e := &emitter{}
	r := Repeat{}
	for _, ip := range []component.IP{
		{Type: component.OpenBracket, Data: "g"},
		component.NewData(1),
		{Type: component.CloseBracket, Data: "g"},
	} {
		if err := r.Handle(context.Background(), "in", ip, e); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(e.out) != 3 || e.out[1].ip.Data != 1 || e.out[2].ip.Type != component.CloseBracket {
		t.Fatalf("unexpected output %#v", e.out)
	}
}

func TestDrop_EmitsNothing(t *testing.T) {
	e := &emitter{}
	if err := (Drop{}).Handle(context.Background(), "in", component.NewData("x"), e); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(e.out) != 0 {
		t.Fatalf("drop emitted %d packets", len(e.out))
	}
	if len((Drop{}).OutPorts()) != 0 {
		t.Fatal("drop should have no outports")
	}
}

func TestKick_SendsStoredValue(t *testing.T) {
	e := &emitter{}
	k := &Kick{}
	ctx := context.Background()
	_ = k.Handle(ctx, "data", component.NewData("payload"), e)
	_ = k.Handle(ctx, "in", component.NewData(true), e)
	if len(e.out) != 1 || e.out[0].ip.Data != "payload" {
		t.Fatalf("unexpected output %#v", e.out)
	}
	if err := k.Handle(ctx, "bogus", component.NewData(1), e); err == nil {
		t.Fatal("expected unknown port error")
	}
}

func TestMerge_ClearsIndex(t *testing.T) {
	e := &emitter{}
	idx := 3
	ip := component.NewData("x")
	ip.Index = &idx
	_ = (Merge{}).Handle(context.Background(), "in", ip, e)
	if e.out[0].ip.Index != nil {
		t.Fatal("merge must drop the inbound index")
	}
}

func TestLibrary_NamesAndSources(t *testing.T) {
	names := Names()
	if len(names) != 6 || names[0] != "core/Drop" {
		t.Fatalf("names = %v", names)
	}
	factories := Factories(nil)
	for _, name := range names {
		f, ok := factories[name]
		if !ok {
			t.Fatalf("missing factory for %s", name)
		}
		c := f()
		if c.Description() == "" {
			t.Fatalf("%s has no description", name)
		}
		src, ok := Source(strings.TrimPrefix(name, "core/"))
		if !ok || !strings.Contains(src, "package core") {
			t.Fatalf("%s has no embedded source", name)
		}
	}
	if _, ok := Source("Nope"); ok {
		t.Fatal("unexpected source for unknown component")
	}
}
