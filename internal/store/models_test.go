package store

import "testing"

func TestValidProjectSlug(t *testing.T) {
	valid := []string{"abc", "ner-2024", "a_b-c", "a234567890123456789012345678901234567890"}
	for _, slug := range valid {
		if !ValidProjectSlug(slug) {
			t.Fatalf("ValidProjectSlug(%q) = false, want true", slug)
		}
	}
	invalid := []string{"", "ab", "1abc", "-abc", "Abc", "ab c", "abc!", "a2345678901234567890123456789012345678901"}
	for _, slug := range invalid {
		if ValidProjectSlug(slug) {
			t.Fatalf("ValidProjectSlug(%q) = true, want false", slug)
		}
	}
}

func TestCurationUserPlaceholder(t *testing.T) {
	user := CurationUserPlaceholder()
	if !user.IsCurationUser() {
		t.Fatalf("placeholder %+v is not the curation user", user)
	}
	if (User{Username: "alice"}).IsCurationUser() {
		t.Fatal("alice is not the curation user")
	}
}
