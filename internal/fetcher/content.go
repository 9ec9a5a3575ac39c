package fetcher

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

const sniffLen = 512

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ValidateContent rejects a fetched body that is a markup document rather
// than tabular data, judging by the declared content type and the leading
// bytes of the body.
func ValidateContent(contentType string, body []byte) error {
	if mt := mediaType(contentType); strings.Contains(mt, "html") {
		return &acquire.UnexpectedContentType{ContentType: contentType, Reason: "declared content type is markup"}
	}
	if len(body) == 0 {
		return &acquire.UnexpectedContentType{ContentType: contentType, Reason: "empty body"}
	}

	head := body
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, utf8BOM), " \t\r\n\f")
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html")) {
		return &acquire.UnexpectedContentType{ContentType: contentType, Reason: "body starts with an html document signature"}
	}
	if strings.HasPrefix(http.DetectContentType(head), "text/html") {
		return &acquire.UnexpectedContentType{ContentType: contentType, Reason: "body sniffs as text/html"}
	}
	return nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
