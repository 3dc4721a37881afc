package main

import (
	"path/filepath"
	"testing"
)

func TestParseNotebooks(t *testing.T) {
	t.Run("explicit ids", func(t *testing.T) {
		got, err := parseNotebooks("1=/data/work, 7=/data/personal")
		if err != nil {
			t.Fatal(err)
		}
		if got[1] != "/data/work" || got[7] != "/data/personal" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("bare paths get sequential ids", func(t *testing.T) {
		got, err := parseNotebooks("/a,/b")
		if err != nil {
			t.Fatal(err)
		}
		if got[1] != "/a" || got[2] != "/b" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("mixed continues after highest id", func(t *testing.T) {
		got, err := parseNotebooks("5=/x,/y")
		if err != nil {
			t.Fatal(err)
		}
		if got[5] != "/x" || got[6] != "/y" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("relative paths made absolute", func(t *testing.T) {
		got, err := parseNotebooks("notes")
		if err != nil {
			t.Fatal(err)
		}
		if !filepath.IsAbs(got[1]) {
			t.Errorf("path %q not absolute", got[1])
		}
	})

	t.Run("bad id rejected", func(t *testing.T) {
		if _, err := parseNotebooks("x=/a"); err == nil {
			t.Error("invalid id accepted")
		}
	})

	t.Run("empty entries skipped", func(t *testing.T) {
		got, err := parseNotebooks(" , /a , ")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Errorf("got %d entries, want 1", len(got))
		}
	})
}
