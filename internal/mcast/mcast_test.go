package mcast

import (
	"net"
	"testing"
)

func TestLoopbackInterfaceFound(t *testing.T) {
	iface, err := LoopbackInterface()
	if err != nil {
		t.Fatalf("LoopbackInterface: %v", err)
	}
	if iface.Flags&net.FlagLoopback == 0 {
		t.Fatalf("interface %s lacks FlagLoopback", iface.Name)
	}
}

func TestResolveInterfaceEmptyUsesDefault(t *testing.T) {
	byName, errName := ResolveInterface("")
	byDefault, errDefault := DefaultInterface()
	if errDefault != nil {
		t.Skipf("no default multicast interface available in this sandbox: %v", errDefault)
	}
	if errName != nil {
		t.Fatalf("ResolveInterface(\"\") = %v", errName)
	}
	if byName.Name != byDefault.Name {
		t.Fatalf("ResolveInterface(\"\") = %s, want %s", byName.Name, byDefault.Name)
	}
}

func TestResolveInterfaceUnknownName(t *testing.T) {
	if _, err := ResolveInterface("not-a-real-interface-xyz"); err == nil {
		t.Fatal("expected error for unknown interface name")
	}
}
