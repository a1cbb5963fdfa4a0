package messaging

import (
	"math"
	"net/url"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Merge field placeholders recognised in templates and message bodies.
const (
	FieldFirstName     = "{{firstName}}"
	FieldLastName      = "{{lastName}}"
	FieldAgentName     = "{{agentName}}"
	FieldProtectionGap = "{{protectionGap}}"
)

var currency = message.NewPrinter(language.AmericanEnglish)

// FormatCurrency renders v as whole dollars with thousands separators.
func FormatCurrency(v float64) string {
	return currency.Sprintf("$%d", int64(math.Round(v)))
}

// Merge replaces the known placeholders in text. Anything else, including
// unknown placeholders, is left as written.
func Merge(text string, data MergeData) string {
	r := strings.NewReplacer(
		FieldFirstName, data.FirstName,
		FieldLastName, data.LastName,
		FieldAgentName, data.AgentName,
		FieldProtectionGap, FormatCurrency(data.ProtectionGap),
	)
	return r.Replace(text)
}

// BuildLinks returns mailto, tel and sms URIs for the given addresses.
// Empty addresses produce no link.
func BuildLinks(email, phone, subject, body string) Links {
	var l Links
	if email != "" {
		var params []string
		if subject != "" {
			params = append(params, "subject="+escape(subject))
		}
		if body != "" {
			params = append(params, "body="+escape(body))
		}
		l.Mailto = "mailto:" + email
		if len(params) > 0 {
			l.Mailto += "?" + strings.Join(params, "&")
		}
	}
	if p := dialable(phone); p != "" {
		l.Tel = "tel:" + p
		l.SMS = "sms:" + p
		if body != "" {
			l.SMS += "?body=" + escape(body)
		}
	}
	return l
}

// escape query-escapes v, encoding spaces as %20.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

func dialable(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' || r == '+' && b.Len() == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
