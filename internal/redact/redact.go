// Package redact produces display-safe copies of records.
//
// Masking only ever applies to a copy: stored records are never modified.
package redact

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/vaultsync/internal/record"
)

// Masked field names and markers.
const (
	FieldEmail      = "email"
	FieldPassword   = "password"
	FieldPhone      = "phone"
	FieldSSN        = "ssn"
	FieldCreditCard = "creditCard"
	FieldMaskedAt   = "maskedAt"

	HiddenPassword = "***HIDDEN***"

	// opaque replaces sensitive values that are not strings.
	opaque = "***"
)

// maskedAtLayout is millisecond-precision UTC, e.g. 2025-01-02T03:04:05.000Z.
const maskedAtLayout = "2006-01-02T15:04:05.000Z"

var phoneDigits = regexp.MustCompile(`(\d{3})\d{3}(\d{4})`)

// Mask returns a copy of r with sensitive fields masked and maskedAt set to now.
//
//   - email: first two characters of the local part, ***, its last character
//   - phone: the middle three digits of the first 10-digit run become ***
//   - ssn: ***-**- followed by the last four characters
//   - creditCard: **** **** **** followed by the last four characters
//   - password: always ***HIDDEN***, even when absent
//
// Absent or empty fields other than password stay absent or empty.
func Mask(r record.Record, now time.Time) record.Record {
	out := r.Clone()

	maskString(out, FieldEmail, maskEmail)
	maskString(out, FieldPhone, maskPhone)
	maskString(out, FieldSSN, func(s string) string { return "***-**-" + lastN(s, 4) })
	maskString(out, FieldCreditCard, func(s string) string { return "**** **** **** " + lastN(s, 4) })

	out[FieldPassword] = HiddenPassword
	out[FieldMaskedAt] = now.UTC().Format(maskedAtLayout)
	return out
}

// MaskAll masks every record with the same timestamp.
func MaskAll(records []record.Record, now time.Time) []record.Record {
	out := make([]record.Record, len(records))
	for i, r := range records {
		out[i] = Mask(r, now)
	}
	return out
}

func maskString(r record.Record, field string, mask func(string) string) {
	v, ok := r[field]
	if !ok || v == nil {
		return
	}
	s, ok := v.(string)
	if !ok {
		r[field] = opaque
		return
	}
	if s == "" {
		return
	}
	r[field] = mask(s)
}

func maskEmail(email string) string {
	local, domain, hasDomain := strings.Cut(email, "@")
	masked := firstN(local, 2) + "***" + lastN(local, 1)
	if !hasDomain {
		return masked
	}
	return masked + "@" + domain
}

func maskPhone(phone string) string {
	loc := phoneDigits.FindStringSubmatchIndex(phone)
	if loc == nil {
		return phone
	}
	return phone[:loc[0]] +
		phone[loc[2]:loc[3]] + "-***-" + phone[loc[4]:loc[5]] +
		phone[loc[1]:]
}

func firstN(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func lastN(s string, n int) string {
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for pos := range s {
		if skip == 0 {
			return s[pos:]
		}
		skip--
	}
	return ""
}
