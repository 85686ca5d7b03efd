package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAnonymousUserShape(t *testing.T) {
	u := NewAnonymousUser("")
	assert.True(t, strings.HasPrefix(u.ID, "anon-"))
	assert.Len(t, u.ID, len("anon-")+16)
	assert.False(t, u.Authenticated)
	assert.Equal(t, "Anonymous", u.Name)
}

func TestNewAnonymousUserKeepsSuppliedName(t *testing.T) {
	u := NewAnonymousUser("Alice")
	assert.Equal(t, "Alice", u.Name)
}

func TestNewAnonymousUserIDsAreUnique(t *testing.T) {
	a := NewAnonymousUser("")
	b := NewAnonymousUser("")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetAllowedOriginsFromEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "")
	origins := GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	assert.Equal(t, []string{"http://localhost:3000"}, origins)
}

func TestGetAllowedOriginsFromEnvSplitsCSV(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	origins := GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", nil)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, origins)
}

