// Package filter decides whether a discovered message should be processed for a tenant.
package filter

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

const (
	ReasonSenderExcluded        = "sender_excluded"
	ReasonDomainExcluded        = "domain_excluded"
	ReasonIncludeKeywordMissing = "include_keyword_missing"
	ReasonKeywordExcluded       = "keyword_excluded"
	ReasonContentTooShort       = "content_too_short"
)

// Evaluate applies rules in a fixed order; the first rule that rejects the message
// decides the reason. MatchedRules lists every rule that matched along the way.
func Evaluate(rules models.FilterRules, msg models.EmailMessage) models.FilterResult {
	var matched []string
	reject := func(reason string) models.FilterResult {
		return models.FilterResult{ShouldProcess: false, Reason: reason, MatchedRules: matched}
	}

	address := senderAddress(msg.Sender)
	if s, ok := containsFold(rules.ExcludeSenders, address); ok {
		matched = append(matched, "exclude_senders:"+s)
		return reject(ReasonSenderExcluded)
	}

	if domain := domainOf(address); domain != "" {
		if d, ok := containsFold(rules.ExcludeDomains, domain); ok {
			matched = append(matched, "exclude_domains:"+d)
			return reject(ReasonDomainExcluded)
		}
	}

	text := strings.ToLower(msg.Subject + " " + msg.Body)
	if len(rules.IncludeKeywords) > 0 {
		kw, ok := firstKeyword(rules.IncludeKeywords, text)
		if !ok {
			return reject(ReasonIncludeKeywordMissing)
		}
		matched = append(matched, "include_keywords:"+kw)
	}

	if kw, ok := firstKeyword(rules.ExcludeKeywords, text); ok {
		matched = append(matched, "exclude_keywords:"+kw)
		return reject(ReasonKeywordExcluded)
	}

	if rules.MinBodyLength > 0 && utf8.RuneCountInString(msg.Body) < rules.MinBodyLength {
		return reject(ReasonContentTooShort)
	}

	return models.FilterResult{ShouldProcess: true, MatchedRules: matched}
}

// senderAddress extracts the bare address from a From header, falling back to the raw value.
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return address[at+1:]
}

func containsFold(list []string, v string) (string, bool) {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return s, true
		}
	}
	return "", false
}

func firstKeyword(keywords []string, lowered string) (string, bool) {
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(lowered, k) {
			return kw, true
		}
	}
	return "", false
}
