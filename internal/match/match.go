// Package match canonicalizes customer identities and scores how likely
// two records from different systems refer to the same person. Phone
// agreement is the hard gate: name similarity alone never links records,
// it only grades a phone match.
package match

import (
	"strings"

	"github.com/stitchandsole/leadsync/internal/model"
)

// PhonesMatch reports whether two raw phone strings identify the same
// line. Both are normalized first; they match when equal or when either
// is a non-empty suffix of the other, which tolerates one side carrying
// a country code the other dropped. Two empty phones never match.
func PhonesMatch(a, b, countryCode string) bool {
	na := NormalizePhone(a, countryCode)
	nb := NormalizePhone(b, countryCode)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return strings.HasSuffix(na, nb) || strings.HasSuffix(nb, na)
}

// Confidence scores a messaging-channel identity against an order's
// customer fields. The phone comparison gates everything: with no phone
// match the result is none regardless of the name score. With a phone
// match, the name score grades the result high (>=70), medium (>=50),
// or low.
func Confidence(phone, name, otherPhone, otherFirst, otherLast, countryCode string) model.MatchResult {
	r := model.MatchResult{
		PhoneMatch: PhonesMatch(phone, otherPhone, countryCode),
		NameScore:  FuzzyNameMatch(name, otherFirst, otherLast),
	}
	switch {
	case r.PhoneMatch && r.NameScore >= 70:
		r.Confidence = model.ConfidenceHigh
	case r.PhoneMatch && r.NameScore >= 50:
		r.Confidence = model.ConfidenceMedium
	case r.PhoneMatch:
		r.Confidence = model.ConfidenceLow
	default:
		r.Confidence = model.ConfidenceNone
	}
	return r
}
