package guard

import "regexp"

// Active-content constructs stripped from agent responses before release.
var maliciousConstructs = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script_tag", regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=\s*["'][^"']*["']`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript:\s*[^\s"'<>]+`)},
	{"iframe_tag", regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe>`)},
	{"sql_stacked_query", regexp.MustCompile(`(?i)['"]\s*;\s*(drop|delete|truncate|update|insert)\b[^;]*`)},
	{"sql_union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b[^\n]*`)},
}

// sanitizeMalicious strips script and query-injection constructs and returns
// the cleaned text plus the names of the constructs removed.
func sanitizeMalicious(text string) (string, []string) {
	var stripped []string
	for _, c := range maliciousConstructs {
		if !c.re.MatchString(text) {
			continue
		}
		text = c.re.ReplaceAllString(text, "")
		stripped = append(stripped, c.name)
	}
	return text, stripped
}
