package parser

import "strings"

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func classifySectionType(heading, content string) string {
	headingLower := strings.ToLower(heading)
	contentLower := strings.ToLower(content)

	if strings.Contains(headingLower, "definition") || strings.Contains(headingLower, "definición") ||
		strings.Contains(headingLower, "glossary") || strings.Contains(contentLower, "definition") {
		return "definition"
	}
	if strings.Contains(headingLower, "shall") || strings.Contains(headingLower, "must") ||
		strings.Contains(headingLower, "requirement") || strings.Contains(contentLower, "shall") {
		return "requirement"
	}
	if strings.Contains(headingLower, "table") || strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	if strings.Contains(headingLower, "annex") || strings.Contains(headingLower, "appendix") {
		return "annex"
	}
	return "section"
}
