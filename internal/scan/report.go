// Package scan performs structured phishing analysis of text artifacts.
//
// A scan submits a suspicious URL, email body, or SMS message to a hosted
// language model and parses the response into a Report. Transient backend
// overload is retried with exponential backoff; an unrecognized risk level in
// an otherwise valid response is recovered locally by substituting a medium
// severity.
package scan

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// ContentType classifies the artifact under analysis.
type ContentType string

const (
	TypeURL   ContentType = "URL"
	TypeEmail ContentType = "EMAIL"
	TypeSMS   ContentType = "SMS"

	// TypeVoice marks history entries recorded by the vishing lab when a
	// call is blocked. It is not accepted for text submissions.
	TypeVoice ContentType = "VOICE"
)

// ParseContentType validates a client-supplied type string.
func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(strings.ToUpper(s)); ct {
	case TypeURL, TypeEmail, TypeSMS:
		return ct, nil
	default:
		return "", fmt.Errorf("scan: unknown content type %q", s)
	}
}

// RiskLevel is the qualitative severity of a report.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is one of the recognized levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Report is the structured analysis verdict produced by the model.
type Report struct {
	IsPhishing         bool      `json:"isPhishing"`
	RiskScore          int       `json:"riskScore"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	Category           string    `json:"category"`
	SuspiciousElements []string  `json:"suspiciousElements"`
	Explanation        string    `json:"explanation"`
	TechnicalDetails   string    `json:"technicalDetails"`
	SafetyAdvice       string    `json:"safetyAdvice"`
}

// Entry is one completed analysis as stored in history: the report plus the
// submission that produced it.
type Entry struct {
	Report

	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Content   string      `json:"content"`
	Type      ContentType `json:"type"`
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewReportID generates a report identifier of the form "PG-" followed by six
// random base-36 characters.
func NewReportID() string {
	var b strings.Builder
	b.WriteString("PG-")
	for range 6 {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}
