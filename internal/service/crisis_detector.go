package service

import "strings"

var defaultCrisisKeywords = []string{
	"suicide",
	"suicidal",
	"kill myself",
	"end my life",
	"self-harm",
	"self harm",
	"hurt myself",
	"want to die",
	"overdose",
	"no reason to live",
}

// CrisisDetector flags request bodies that carry crisis-risk language.
type CrisisDetector struct {
	keywords []string
}

func NewCrisisDetector(keywords []string) *CrisisDetector {
	if len(keywords) == 0 {
		keywords = defaultCrisisKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &CrisisDetector{keywords: lowered}
}

func (d *CrisisDetector) Detect(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	text := strings.ToLower(string(body))
	for _, k := range d.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
