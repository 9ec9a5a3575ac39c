package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLoginFormInfersFields(t *testing.T) {
	body := []byte(`<html><body>
		<form action="/search"><input name="q"></form>
		<form method="post" action="/session">
			<input type="hidden" name="utf8" value="✓">
			<input type="hidden" name="authenticity_token" value="tok123">
			<input type="hidden" name="__RequestVerificationToken" value="second">
			<input type="text" name="login" value="">
			<input type="email" name="Email">
			<input type="password" name="pwd">
			<input type="submit" name="commit" value="Sign in">
		</form>
	</body></html>`)

	cred, err := ParseLoginForm(body, "https://portal.example.com/account/login", "me@example.com", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.com/session", cred.LoginURL)
	assert.Equal(t, "https://portal.example.com/account/login", cred.PageURL)
	assert.Equal(t, "Email", cred.UserField, "email outranks login")
	assert.Equal(t, "pwd", cred.PassField)

	require.NotNil(t, cred.AntiForgery)
	assert.Equal(t, "authenticity_token", cred.AntiForgery.Name)
	assert.Equal(t, "tok123", cred.AntiForgery.Value)

	assert.Equal(t, map[string]string{
		"utf8":                       "✓",
		"authenticity_token":         "tok123",
		"__RequestVerificationToken": "second",
		"Email":                      "me@example.com",
		"pwd":                        "s3cret",
	}, cred.Fields)
}

func TestParseLoginFormFallbacks(t *testing.T) {
	body := []byte(`<form><input name="acct"><input type="password" name="secret_value"></form>`)

	cred, err := ParseLoginForm(body, "https://portal.example.com/login", "u", "p")
	require.NoError(t, err)

	assert.Equal(t, "acct", cred.UserField)
	assert.Equal(t, "secret_value", cred.PassField)
	assert.Equal(t, "https://portal.example.com/login", cred.LoginURL)
	assert.Nil(t, cred.AntiForgery)
}

func TestParseLoginFormWithoutPassword(t *testing.T) {
	_, err := ParseLoginForm([]byte(`<form><input name="q"></form>`), "https://x/login", "u", "p")
	assert.ErrorIs(t, err, ErrNoLoginForm)
}
