package dao

import (
	"strings"
	"testing"
)

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Go ", "go", "", "Redis", "GO", "kafka", "SQL", "gorm", "extra"})
	want := []string{"Go", "Redis", "kafka", "SQL", "gorm"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNormalizeTagsEmpty(t *testing.T) {
	if got := NormalizeTags([]string{" ", ""}); len(got) != 0 {
		t.Fatalf("expected no tags, got %v", got)
	}
}
