package group

import "testing"

func TestCreateListGetDelete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Create("dev", []string{"blog", " api ", "blog", ""}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 1 || all[0].Name != "dev" {
		t.Fatalf("unexpected groups: %+v", all)
	}

	got, err := Get("dev")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tunnels) != 2 || got.Tunnels[0] != "blog" || got.Tunnels[1] != "api" {
		t.Fatalf("unexpected tunnels: %v", got.Tunnels)
	}

	if err := Delete("dev"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Get("dev"); err == nil {
		t.Fatal("expected error after delete")
	}
	if err := Delete("dev"); err == nil {
		t.Fatal("expected error deleting a missing group")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Create("", []string{"blog"}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := Create("x", nil); err == nil {
		t.Fatal("expected error for empty tunnel list")
	}
	if err := Create("x", []string{" ", ""}); err == nil {
		t.Fatal("expected error for blank references")
	}
}
