package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ramkansal/csvgrab/pkg/acquire"
)

// ErrNoLoginForm is returned when a page has no password input.
var ErrNoLoginForm = errors.New("no login form with a password field")

var (
	usernameFieldPriority = []string{"email", "username", "user", "login", "user_login", "log"}
	passwordFieldPriority = []string{"password", "pass", "passwd", "pwd"}
	antiForgeryVocabulary = []string{"csrf", "token", "verification"}
)

type formInput struct {
	name  string
	typ   string
	value string
}

// ParseLoginForm infers the login form of a portal page: hidden inputs are
// carried over, the username and password field names are chosen by fixed
// priority lists, and the first hidden anti-forgery token is recorded.
func ParseLoginForm(body []byte, pageURL, email, password string) (*acquire.Credential, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse login page: %w", err)
	}

	scope := doc.Selection
	doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		if f.Find("input[type=password]").Length() > 0 {
			scope = f
			return false
		}
		return true
	})

	var inputs []formInput
	scope.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if name == "" {
			return
		}
		typ, _ := s.Attr("type")
		value, _ := s.Attr("value")
		inputs = append(inputs, formInput{name: name, typ: strings.ToLower(strings.TrimSpace(typ)), value: value})
	})

	passField := pickField(inputs, passwordFieldPriority, "", func(in formInput) bool { return in.typ == "password" })
	if passField == "" {
		return nil, ErrNoLoginForm
	}
	userField := pickField(inputs, usernameFieldPriority, "password", func(in formInput) bool { return in.typ == "email" })
	if userField == "" {
		for _, in := range inputs {
			if in.typ == "" || in.typ == "text" {
				userField = in.name
				break
			}
		}
	}
	if userField == "" {
		userField = "email"
	}

	cred := &acquire.Credential{
		LoginURL:  pageURL,
		PageURL:   pageURL,
		Fields:    make(map[string]string),
		UserField: userField,
		PassField: passField,
	}
	if scope.Is("form") {
		if action, ok := scope.Attr("action"); ok && strings.TrimSpace(action) != "" {
			cred.LoginURL = ResolveURL(pageURL, action)
		}
	}

	for _, in := range inputs {
		if in.typ != "hidden" {
			continue
		}
		cred.Fields[in.name] = in.value
		if cred.AntiForgery == nil && isAntiForgeryName(in.name) {
			cred.AntiForgery = &acquire.FormField{Name: in.name, Value: in.value}
		}
	}
	cred.Fields[userField] = email
	cred.Fields[passField] = password

	return cred, nil
}

// pickField returns the first priority name present among the visible inputs
// not of type skip, then the first input accepted by fallback.
func pickField(inputs []formInput, priority []string, skip string, fallback func(formInput) bool) string {
	for _, want := range priority {
		for _, in := range inputs {
			if in.typ == "hidden" || in.typ == "submit" || (skip != "" && in.typ == skip) {
				continue
			}
			if strings.EqualFold(in.name, want) {
				return in.name
			}
		}
	}
	for _, in := range inputs {
		if fallback(in) {
			return in.name
		}
	}
	return ""
}

func isAntiForgeryName(name string) bool {
	lower := strings.ToLower(name)
	for _, v := range antiForgeryVocabulary {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}
